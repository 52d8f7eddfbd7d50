package structurer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/declarante/irpf-cli/internal/model"
	"github.com/declarante/irpf-cli/pkg/anthropic"
)

func testDocument() model.Document {
	return model.Document{
		ID:         "doc-1",
		Path:       "informe-acme.pdf",
		Kind:       model.DocKindIncomeStatement,
		IngestedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testExtraction() *model.ExtractionResult {
	return &model.ExtractionResult{
		DocumentID: "doc-1",
		Text:       "INFORME DE RENDIMENTOS 2024\nFonte pagadora: Acme Ltda CNPJ 04.567.890/0001-23\nRendimentos: 120.000,00 IRRF: 12.000,00",
	}
}

const validIncomeJSON = `{"records": [{"kind": "income", "fields": {
	"source_name": "Acme Ltda", "source_id": "04.567.890/0001-23",
	"gross_amount": 120000.00, "tax_withheld": 12000.00,
	"period": "2024", "category": "salary"}}]}`

const invalidIncomeJSON = `{"records": [{"kind": "income", "fields": {
	"source_name": "Acme Ltda", "gross_amount": 120000.00, "category": "salary"}}]}`

func TestLoop_AcceptsFirstAttempt(t *testing.T) {
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(validIncomeJSON), nil).Once()

	loop := newTestLoop(client, 3)
	outcome, err := loop.Run(context.Background(), testDocument(), testExtraction(), model.DocKindIncomeStatement)
	require.NoError(t, err)

	assert.Equal(t, model.DocStatusIngested, outcome.Status)
	assert.Equal(t, 1, outcome.Attempts)
	require.Len(t, outcome.Records, 1)

	rec := outcome.Records[0]
	assert.Equal(t, model.KindIncome, rec.Kind)
	assert.Equal(t, "doc-1", rec.DocumentID)
	assert.NotEmpty(t, rec.NaturalKey)
	assert.Equal(t, 120000.00, rec.Fields["gross_amount"])
	client.AssertExpectations(t)
}

func TestLoop_RepairsWithValidationErrors(t *testing.T) {
	client := new(mockAnthropicClient)

	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return !strings.Contains(req.Messages[0].Content, "failed schema validation")
	})).Return(textResponse(invalidIncomeJSON), nil).Once()

	// The repair attempt must carry the exact violation back to the model.
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		p := req.Messages[0].Content
		return strings.Contains(p, "failed schema validation") && strings.Contains(p, "period")
	})).Return(textResponse(validIncomeJSON), nil).Once()

	loop := newTestLoop(client, 3)
	outcome, err := loop.Run(context.Background(), testDocument(), testExtraction(), model.DocKindIncomeStatement)
	require.NoError(t, err)

	assert.Equal(t, model.DocStatusIngested, outcome.Status)
	assert.Equal(t, 2, outcome.Attempts)
	require.Len(t, outcome.Records, 1)
	client.AssertExpectations(t)
}

func TestLoop_BudgetExhaustion(t *testing.T) {
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(invalidIncomeJSON), nil).Times(2)

	loop := newTestLoop(client, 2)
	outcome, err := loop.Run(context.Background(), testDocument(), testExtraction(), model.DocKindIncomeStatement)
	require.NoError(t, err)

	assert.Equal(t, model.DocStatusNeedsManualReview, outcome.Status)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Empty(t, outcome.Records)
	require.NotEmpty(t, outcome.LastErrors)
	assert.Contains(t, outcome.LastErrors.Error(), "period")
	client.AssertExpectations(t)
}

func TestLoop_CallFailureConsumesBudget(t *testing.T) {
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, eris.New("api key invalid")).Times(2)

	loop := newTestLoop(client, 2)
	outcome, err := loop.Run(context.Background(), testDocument(), testExtraction(), model.DocKindIncomeStatement)
	require.NoError(t, err)

	assert.Equal(t, model.DocStatusNeedsManualReview, outcome.Status)
	assert.Equal(t, 2, outcome.Attempts)
	require.NotEmpty(t, outcome.LastErrors)
	assert.Equal(t, "structuring call failed", outcome.LastErrors[0].Constraint)
	client.AssertExpectations(t)
}

func TestLoop_AttemptLevelAcceptance(t *testing.T) {
	mixed := `{"records": [
		{"kind": "income", "fields": {"source_name": "Acme Ltda", "gross_amount": 120000.00, "period": "2024", "category": "salary"}},
		{"kind": "tax_withheld", "fields": {"source_name": "Acme Ltda", "period": "2024"}}
	]}`
	allValid := `{"records": [
		{"kind": "income", "fields": {"source_name": "Acme Ltda", "gross_amount": 120000.00, "period": "2024", "category": "salary"}},
		{"kind": "tax_withheld", "fields": {"source_name": "Acme Ltda", "amount": 12000.00, "period": "2024"}}
	]}`

	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(mixed), nil).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(allValid), nil).Once()

	loop := newTestLoop(client, 3)
	outcome, err := loop.Run(context.Background(), testDocument(), testExtraction(), model.DocKindIncomeStatement)
	require.NoError(t, err)

	// The mixed attempt must not persist its valid half: acceptance is
	// all-or-nothing per attempt.
	assert.Equal(t, 2, outcome.Attempts)
	require.Len(t, outcome.Records, 2)
	client.AssertExpectations(t)
}

func TestLoop_ClassifiesWhenNoHint(t *testing.T) {
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001"
	})).Return(textResponse(`{"kind": "income-statement", "confidence": 0.94}`), nil).Once()
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-sonnet-4-5-20250929"
	})).Return(textResponse(validIncomeJSON), nil).Once()

	loop := newTestLoop(client, 3)
	outcome, err := loop.Run(context.Background(), testDocument(), testExtraction(), "")
	require.NoError(t, err)

	assert.Equal(t, model.DocStatusIngested, outcome.Status)
	assert.Equal(t, model.DocKindIncomeStatement, outcome.Kind)
	client.AssertExpectations(t)
}

func TestLoop_LowConfidenceClassification(t *testing.T) {
	client := new(mockAnthropicClient)
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"kind": "receipt", "confidence": 0.3}`), nil).Once()

	loop := newTestLoop(client, 3)
	outcome, err := loop.Run(context.Background(), testDocument(), testExtraction(), "")
	require.NoError(t, err)

	assert.Equal(t, model.DocStatusNeedsManualReview, outcome.Status)
	assert.Zero(t, outcome.Attempts)
	require.NotEmpty(t, outcome.LastErrors)
	client.AssertExpectations(t)
}
