package structurer

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/declarante/irpf-cli/internal/config"
	"github.com/declarante/irpf-cli/internal/model"
)

// attemptState names the per-attempt states of the validation/repair machine.
type attemptState string

const (
	stateDrafted    attemptState = "drafted"
	stateValidating attemptState = "validating"
	stateAccepted   attemptState = "accepted"
	stateRepairing  attemptState = "repairing"
	stateFailed     attemptState = "failed"
)

// Outcome is the terminal result of structuring one document.
type Outcome struct {
	Status     model.DocumentStatus
	Kind       model.DocumentKind
	Records    []model.StructuredRecord
	Attempts   int
	LastErrors model.ValidationErrors
}

// Loop runs the bounded validate/repair cycle for one document.
type Loop struct {
	structurer *Structurer
	budget     int
	timeout    time.Duration
}

// NewLoop builds the repair loop from config. The retry budget bounds total
// structuring attempts per document; a timed-out attempt consumes budget
// exactly like a validation failure.
func NewLoop(s *Structurer, cfg config.StructurerConfig) *Loop {
	budget := cfg.RetryBudget
	if budget < 1 {
		budget = 3
	}
	timeout := time.Duration(cfg.AttemptTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Loop{structurer: s, budget: budget, timeout: timeout}
}

// Run structures the extraction result for doc. When kindHint is empty the
// document is first classified from content; classification failure ends the
// document in needs_manual_review without consuming the repair budget.
//
// Within the budget, each attempt moves drafted → validating → accepted, or
// back through repairing with the exact constraint violations as correction
// context. Exhaustion leaves the document in needs_manual_review with the
// last error set retained; no partial record is ever returned.
func (l *Loop) Run(ctx context.Context, doc model.Document, res *model.ExtractionResult, kindHint model.DocumentKind) (*Outcome, error) {
	kind := kindHint
	if kind == "" {
		classified, err := l.structurer.Classify(ctx, res)
		if err != nil {
			if errors.Is(err, ErrUnclassifiedDocument) {
				zap.L().Warn("document unclassified, flagging for review",
					zap.String("document", doc.Path),
					zap.Error(err),
				)
				return &Outcome{
					Status: model.DocStatusNeedsManualReview,
					LastErrors: model.ValidationErrors{{
						Field:      "-",
						Constraint: "document kind could not be classified",
						Actual:     eris.Cause(err).Error(),
					}},
				}, nil
			}
			return nil, err
		}
		kind = classified
	}

	targets := model.TargetKinds(kind)
	if len(targets) == 0 {
		return nil, eris.Errorf("structurer: no target schemas for document kind %q", kind)
	}

	var lastErrors model.ValidationErrors
	var priorErrors model.ValidationErrors

	for attempt := 1; attempt <= l.budget; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "structurer: cancelled")
		}

		logAttempt(doc, attempt, stateDrafted)

		attemptCtx, cancel := context.WithTimeout(ctx, l.timeout)
		candidates, _, err := l.structurer.structure(attemptCtx, res, targets, attempt, priorErrors)
		cancel()

		if err != nil {
			// A timed-out or failed call counts against the budget like a
			// validation failure, with the cause retained for diagnostics.
			constraint := "structuring call failed"
			if errors.Is(err, context.DeadlineExceeded) {
				constraint = "structuring attempt timed out"
			}
			lastErrors = model.ValidationErrors{{
				Field:      "-",
				Constraint: constraint,
				Actual:     err.Error(),
			}}
			priorErrors = nil // nothing for the model to correct
			logAttempt(doc, attempt, stateRepairing)
			continue
		}

		logAttempt(doc, attempt, stateValidating)

		records, errs := l.validateAll(candidates, doc)
		if len(errs) == 0 {
			logAttempt(doc, attempt, stateAccepted)
			return &Outcome{
				Status:   model.DocStatusIngested,
				Kind:     kind,
				Records:  records,
				Attempts: attempt,
			}, nil
		}

		lastErrors = errs
		priorErrors = errs
		logAttempt(doc, attempt, stateRepairing)
	}

	logAttempt(doc, l.budget, stateFailed)
	zap.L().Warn("repair budget exhausted, document needs manual review",
		zap.String("document", doc.Path),
		zap.Int("attempts", l.budget),
		zap.String("last_errors", lastErrors.Error()),
	)
	return &Outcome{
		Status:     model.DocStatusNeedsManualReview,
		Kind:       kind,
		Attempts:   l.budget,
		LastErrors: lastErrors,
	}, nil
}

// validateAll checks every candidate of an attempt. Acceptance is
// attempt-level: one invalid candidate fails the whole attempt so that a
// repaired regeneration replaces the full record set and nothing partial is
// ever persisted.
func (l *Loop) validateAll(candidates []model.CandidateRecord, doc model.Document) ([]model.StructuredRecord, model.ValidationErrors) {
	var records []model.StructuredRecord
	var errs model.ValidationErrors

	for i, c := range candidates {
		canonical, verrs := l.structurer.registry.Validate(c.Kind, c.Fields)
		if len(verrs) > 0 {
			errs = append(errs, verrs.Prefixed(indexPrefix(i))...)
			continue
		}
		records = append(records, model.StructuredRecord{
			DocumentID: doc.ID,
			Kind:       c.Kind,
			NaturalKey: model.NaturalKey(c.Kind, canonical),
			Fields:     canonical,
			IngestedAt: doc.IngestedAt,
		})
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return records, nil
}

func indexPrefix(i int) string {
	return "records[" + strconv.Itoa(i) + "]"
}

func logAttempt(doc model.Document, attempt int, state attemptState) {
	zap.L().Debug("structuring attempt",
		zap.String("document", doc.Path),
		zap.Int("attempt", attempt),
		zap.String("state", string(state)),
	)
}
