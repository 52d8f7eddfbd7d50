// Package structurer maps raw extracted content into schema-typed candidate
// records via a language model, then validates and repairs them under a
// bounded retry budget.
package structurer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/declarante/irpf-cli/internal/config"
	"github.com/declarante/irpf-cli/internal/model"
	"github.com/declarante/irpf-cli/internal/resilience"
	"github.com/declarante/irpf-cli/internal/schema"
	"github.com/declarante/irpf-cli/pkg/anthropic"
)

// maxContentChars bounds how much raw document text is sent per prompt.
const maxContentChars = 20000

const structureSystem = "You are a data-entry engine for Brazilian personal income-tax documents. " +
	"You convert raw document text into JSON records conforming exactly to the given schemas. " +
	"Return only JSON, no prose. Use null for values the document does not state. " +
	"Monetary amounts are plain decimals (1234.56)."

const structurePrompt = `Convert the document content below into structured records.

Target schemas:
%s
Return a JSON object of the form:
{"records": [{"kind": "<schema name>", "fields": {<field>: <value>, ...}}]}

Produce one record per real-world entry. A single document may yield several
records (e.g. multiple paying sources) or none. Do not invent entries.
%s
Document content:
%s`

const correctionTemplate = `
Your previous output failed schema validation. Fix exactly these problems and
return the full corrected record set:
%s
`

// Structurer drives structuring attempts against the language model.
type Structurer struct {
	client   anthropic.Client
	registry *schema.Registry
	aiCfg    config.AnthropicConfig
	limiter  *rate.Limiter
	retry    resilience.RetryConfig
}

// NewStructurer builds a Structurer. The limiter is shared across document
// workers so concurrent ingestion respects the external API rate limit; a nil
// limiter means unlimited.
func NewStructurer(client anthropic.Client, registry *schema.Registry, aiCfg config.AnthropicConfig, limiter *rate.Limiter) *Structurer {
	return &Structurer{
		client:   client,
		registry: registry,
		aiCfg:    aiCfg,
		limiter:  limiter,
		retry:    resilience.DefaultRetryConfig(),
	}
}

// structure runs one structuring invocation for the document and returns the
// raw candidates. priorErrors, when present, is injected as correction
// guidance for a repair attempt.
func (s *Structurer) structure(ctx context.Context, res *model.ExtractionResult, kinds []model.RecordKind, attempt int, priorErrors model.ValidationErrors) ([]model.CandidateRecord, anthropic.TokenUsage, error) {
	var usage anthropic.TokenUsage

	var specs strings.Builder
	for _, k := range kinds {
		sch, err := s.registry.Get(k)
		if err != nil {
			return nil, usage, err
		}
		specs.WriteString(sch.PromptSpec())
	}

	correction := ""
	if len(priorErrors) > 0 {
		var lines strings.Builder
		for _, e := range priorErrors {
			lines.WriteString("- " + e.Error() + "\n")
		}
		correction = fmt.Sprintf(correctionTemplate, lines.String())
	}

	prompt := fmt.Sprintf(structurePrompt, specs.String(), correction, truncate(res.Text, maxContentChars))

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, usage, eris.Wrap(err, "structurer: rate limit wait")
		}
	}

	resp, err := resilience.DoVal(ctx, s.retry, "structure", func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return s.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     s.aiCfg.Model,
			MaxTokens: 4096,
			System:    structureSystem,
			Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
		})
	})
	if err != nil {
		return nil, usage, eris.Wrap(err, "structurer: create message")
	}
	usage = resp.Usage
	usage.LogCost(s.aiCfg.Model, "structure")

	candidates, err := parseCandidates(resp.Text(), res.DocumentID, attempt)
	if err != nil {
		return nil, usage, err
	}
	return candidates, usage, nil
}

// parseCandidates decodes the model's JSON into candidate records.
func parseCandidates(text, documentID string, attempt int) ([]model.CandidateRecord, error) {
	var payload struct {
		Records []struct {
			Kind   string         `json:"kind"`
			Fields map[string]any `json:"fields"`
		} `json:"records"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(text)), &payload); err != nil {
		return nil, eris.Wrap(err, "structurer: parse model output")
	}

	candidates := make([]model.CandidateRecord, 0, len(payload.Records))
	for _, r := range payload.Records {
		fields := r.Fields
		if fields == nil {
			fields = map[string]any{}
		}
		// Null fields are the model's "not stated" marker, not values.
		for name, v := range fields {
			if v == nil {
				delete(fields, name)
			}
		}
		candidates = append(candidates, model.CandidateRecord{
			Kind:       model.RecordKind(r.Kind),
			Fields:     fields,
			DocumentID: documentID,
			Attempt:    attempt,
		})
	}
	return candidates, nil
}

// cleanJSON strips markdown code fences and surrounding prose the model may
// wrap around its JSON output.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		return strings.TrimSpace(text)
	}
	// Fall back to the outermost braces.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
