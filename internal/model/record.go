package model

import (
	"fmt"
	"strings"
	"time"
)

// RecordKind identifies a canonical record schema variant.
type RecordKind string

const (
	KindIncome      RecordKind = "income"
	KindTaxWithheld RecordKind = "tax_withheld"
	KindAsset       RecordKind = "asset"
	KindPayment     RecordKind = "payment"
)

// RecordKinds lists all schema variants in a stable order.
var RecordKinds = []RecordKind{KindIncome, KindTaxWithheld, KindAsset, KindPayment}

// TargetKinds maps a document kind to the record schemas the structurer asks
// the model to produce for it.
func TargetKinds(dk DocumentKind) []RecordKind {
	switch dk {
	case DocKindIncomeStatement:
		return []RecordKind{KindIncome, KindTaxWithheld}
	case DocKindBankRecord:
		return []RecordKind{KindIncome, KindAsset}
	case DocKindReceipt:
		return []RecordKind{KindPayment}
	default:
		return nil
	}
}

// CandidateRecord is a structurer output attempting to conform to one schema
// variant. Discarded once accepted or after retry exhaustion.
type CandidateRecord struct {
	Kind       RecordKind     `json:"kind"`
	Fields     map[string]any `json:"fields"`
	DocumentID string         `json:"document_id"`
	Attempt    int            `json:"attempt"`
}

// StructuredRecord is the accepted, schema-conformant, persisted unit.
// Fields holds canonical (coerced) values keyed by schema field name.
type StructuredRecord struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Kind       RecordKind     `json:"kind"`
	NaturalKey string         `json:"natural_key"`
	Fields     map[string]any `json:"fields"`
	IngestedAt time.Time      `json:"ingested_at"`
}

// ValidationError describes one schema conformance failure. Ephemeral, used
// to drive repair prompts and retained on the document only after exhaustion.
type ValidationError struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
	Expected   string `json:"expected,omitempty"`
	Actual     string `json:"actual,omitempty"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "field %q: %s", e.Field, e.Constraint)
	if e.Expected != "" {
		fmt.Fprintf(&b, " (expected %s", e.Expected)
		if e.Actual != "" {
			fmt.Fprintf(&b, ", got %s", e.Actual)
		}
		b.WriteString(")")
	} else if e.Actual != "" {
		fmt.Fprintf(&b, " (got %s)", e.Actual)
	}
	return b.String()
}

// ValidationErrors is a set of validation failures for one candidate or
// one structuring attempt.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// Prefixed returns a copy of es with each field name prefixed, used to scope
// per-candidate errors within an attempt ("records[2].gross_amount").
func (es ValidationErrors) Prefixed(prefix string) ValidationErrors {
	out := make(ValidationErrors, len(es))
	for i, e := range es {
		e.Field = prefix + "." + e.Field
		out[i] = e
	}
	return out
}
