package structurer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/declarante/irpf-cli/internal/model"
	"github.com/declarante/irpf-cli/internal/resilience"
	"github.com/declarante/irpf-cli/pkg/anthropic"
)

// ErrUnclassifiedDocument marks a document whose kind could not be determined
// from its content. Reported, never silently defaulted.
var ErrUnclassifiedDocument = errors.New("unclassified document")

// classifyConfidenceFloor rejects low-confidence guesses: a wrong kind sends
// the structurer after the wrong schema for every subsequent attempt.
const classifyConfidenceFloor = 0.5

const classifyPrompt = `Classify this Brazilian personal financial document.

Kinds:
- income-statement: informe de rendimentos, payroll or pension statements
- bank-record: bank or brokerage statements, account/investment positions
- receipt: receipts and invoices for payments made (medical, education, donations)

Return a JSON object: {"kind": "<kind>", "confidence": <0.0-1.0>}

Document content:
%s`

// Classify determines the document kind from extracted content. Used only
// when the caller provided no kind hint.
func (s *Structurer) Classify(ctx context.Context, res *model.ExtractionResult) (model.DocumentKind, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "structurer: rate limit wait")
		}
	}

	resp, err := resilience.DoVal(ctx, s.retry, "classify", func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return s.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     s.aiCfg.ClassifyModel,
			MaxTokens: 128,
			Messages: []anthropic.Message{
				{Role: "user", Content: fmt.Sprintf(classifyPrompt, truncate(res.Text, 4000))},
			},
		})
	})
	if err != nil {
		return "", eris.Wrap(err, "structurer: classify")
	}
	resp.Usage.LogCost(s.aiCfg.ClassifyModel, "classify")

	var out struct {
		Kind       string  `json:"kind"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), &out); err != nil {
		return "", eris.Wrapf(ErrUnclassifiedDocument, "structurer: unparseable classification for %s", res.DocumentID)
	}

	kind := model.ParseDocumentKind(out.Kind)
	if kind == "" || kind == model.DocKindFilingXML || out.Confidence < classifyConfidenceFloor {
		return "", eris.Wrapf(ErrUnclassifiedDocument,
			"structurer: kind %q confidence %.2f for %s", out.Kind, out.Confidence, res.DocumentID)
	}

	zap.L().Debug("document classified",
		zap.String("document", res.DocumentID),
		zap.String("kind", string(kind)),
		zap.Float64("confidence", out.Confidence),
	)
	return kind, nil
}
