package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/declarante/irpf-cli/internal/config"
	"github.com/declarante/irpf-cli/internal/extract"
	"github.com/declarante/irpf-cli/internal/model"
	"github.com/declarante/irpf-cli/internal/normalize"
	"github.com/declarante/irpf-cli/internal/schema"
	"github.com/declarante/irpf-cli/internal/store"
	"github.com/declarante/irpf-cli/internal/structurer"
	"github.com/declarante/irpf-cli/pkg/anthropic"
)

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:      "msg_test",
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}
}

const (
	classifyModel = "claude-haiku-4-5-20251001"
	structModel   = "claude-sonnet-4-5-20250929"
)

func newTestRunner(t *testing.T, client anthropic.Client) (*Runner, store.Store) {
	t.Helper()

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	registry := schema.MustLoad()
	s := structurer.NewStructurer(client, registry, config.AnthropicConfig{
		Model:         structModel,
		ClassifyModel: classifyModel,
	}, nil)
	loop := structurer.NewLoop(s, config.StructurerConfig{RetryBudget: 3, AttemptTimeoutSecs: 30})

	runner := NewRunner(st, extract.NewAdapter(config.ExtractConfig{}), loop, normalize.New(registry), 2)
	return runner, st
}

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const informeText = `INFORME DE RENDIMENTOS 2024
Fonte pagadora: Acme Ltda CNPJ 04.567.890/0001-23
Rendimentos tributaveis: 120.000,00
IRRF: 12.000,00
`

const incomeJSON = `{"records": [{"kind": "income", "fields": {
	"source_name": "Acme Ltda", "source_id": "04.567.890/0001-23",
	"gross_amount": 120000.00, "tax_withheld": 12000.00,
	"period": "2024", "category": "salary"}}]}`

// onClassify routes the classification call, which goes to the smaller model.
func onClassify(client *mockAnthropicClient, resp *anthropic.MessageResponse) *mock.Call {
	return client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == classifyModel
	})).Return(resp, nil)
}

func onStructure(client *mockAnthropicClient, resp *anthropic.MessageResponse) *mock.Call {
	return client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == structModel
	})).Return(resp, nil)
}

func TestIngestFiles_TextDocument(t *testing.T) {
	client := new(mockAnthropicClient)
	onClassify(client, textResponse(`{"kind": "income-statement", "confidence": 0.95}`)).Once()
	onStructure(client, textResponse(incomeJSON)).Once()

	runner, st := newTestRunner(t, client)
	path := writeTempFile(t, t.TempDir(), "informe.txt", informeText)

	rep, err := runner.IngestFiles(context.Background(), []string{path})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, 1, rep.Records[store.UpsertInserted])

	summary, err := st.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Documents[model.DocStatusIngested])
	assert.Equal(t, 1, summary.Records[model.KindIncome])
	client.AssertExpectations(t)
}

func TestIngestFiles_SecondRunIsUnchanged(t *testing.T) {
	client := new(mockAnthropicClient)
	onClassify(client, textResponse(`{"kind": "income-statement", "confidence": 0.95}`)).Once()
	onStructure(client, textResponse(incomeJSON)).Once()

	runner, _ := newTestRunner(t, client)
	path := writeTempFile(t, t.TempDir(), "informe.txt", informeText)

	_, err := runner.IngestFiles(context.Background(), []string{path})
	require.NoError(t, err)

	// Fingerprint match must short-circuit before any extraction or LLM call.
	rep, err := runner.IngestFiles(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Processed)
	assert.Equal(t, 1, rep.Unchanged)
	client.AssertExpectations(t)
}

func TestIngestFiles_EmptyDocumentSkipped(t *testing.T) {
	client := new(mockAnthropicClient)
	runner, st := newTestRunner(t, client)
	path := writeTempFile(t, t.TempDir(), "vazio.txt", "   \n")

	rep, err := runner.IngestFiles(context.Background(), []string{path})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 0, rep.Processed)

	summary, err := st.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Documents[model.DocStatusSkipped])
	client.AssertExpectations(t)
}

func TestIngestFiles_ValidationFailureNeedsReview(t *testing.T) {
	client := new(mockAnthropicClient)
	onClassify(client, textResponse(`{"kind": "income-statement", "confidence": 0.95}`)).Once()
	// Missing period on every attempt exhausts the repair budget.
	onStructure(client, textResponse(`{"records": [{"kind": "income", "fields": {
		"source_name": "Acme Ltda", "gross_amount": 120000.00, "category": "salary"}}]}`)).Times(3)

	runner, st := newTestRunner(t, client)
	path := writeTempFile(t, t.TempDir(), "informe.txt", informeText)

	rep, err := runner.IngestFiles(context.Background(), []string{path})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.NeedsReview)
	assert.Empty(t, rep.Records)

	summary, err := st.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Documents[model.DocStatusNeedsManualReview])
	assert.Zero(t, summary.Records[model.KindIncome])
	require.Len(t, summary.PendingReview, 1)
	assert.Equal(t, 3, summary.PendingReview[0].Attempts)
	client.AssertExpectations(t)
}

const filingXML = `<?xml version="1.0" encoding="UTF-8"?>
<IRPF versao="2025.1" anoCalendario="2024">
  <declarante>
    <colecaoRendPJTitular>
      <item NIFontePagadora="04567890000123" nomeFontePagadora="Acme Ltda"
            rendRecebidoPJ="120000.00" impostoRetidoFonte="12000.00"/>
    </colecaoRendPJTitular>
    <bens>
      <item grupo="1" codigo="11" discriminacao="Apartamento em Pinheiros"
            valorExercicioAnterior="300000.00" valorExercicioAtual="350000.00"/>
    </bens>
  </declarante>
</IRPF>
`

func TestIngestFiles_FilingXMLBypassesModel(t *testing.T) {
	client := new(mockAnthropicClient)
	runner, st := newTestRunner(t, client)
	path := writeTempFile(t, t.TempDir(), "declaracao.xml", filingXML)

	rep, err := runner.IngestFiles(context.Background(), []string{path})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, 3, rep.Records[store.UpsertInserted])

	summary, err := st.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Records[model.KindIncome])
	assert.Equal(t, 1, summary.Records[model.KindTaxWithheld])
	assert.Equal(t, 1, summary.Records[model.KindAsset])
	client.AssertExpectations(t)
}

func TestIngestFiles_FilingSchemaMismatchFails(t *testing.T) {
	client := new(mockAnthropicClient)
	runner, st := newTestRunner(t, client)
	path := writeTempFile(t, t.TempDir(), "declaracao.xml",
		`<IRPF versao="2031.0"><declarante><quadroNovo><item valor="1"/></quadroNovo></declarante></IRPF>`)

	rep, err := runner.IngestFiles(context.Background(), []string{path})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 0, rep.Processed)

	summary, err := st.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Documents[model.DocStatusFailed])
	require.Len(t, summary.PendingReview, 1)
	require.NotEmpty(t, summary.PendingReview[0].LastErrors)
	assert.Equal(t, "filing schema mismatch", summary.PendingReview[0].LastErrors[0].Constraint)
	client.AssertExpectations(t)
}

func TestIngestDir_FiltersSupportedExtensions(t *testing.T) {
	client := new(mockAnthropicClient)
	onClassify(client, textResponse(`{"kind": "income-statement", "confidence": 0.95}`)).Once()
	onStructure(client, textResponse(incomeJSON)).Once()

	runner, _ := newTestRunner(t, client)
	dir := t.TempDir()
	writeTempFile(t, dir, "informe.txt", informeText)
	writeTempFile(t, dir, "anotacoes.md", "not a document")
	writeTempFile(t, dir, "declaracao.xml", filingXML)

	rep, err := runner.IngestDir(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Processed)
	client.AssertExpectations(t)
}
