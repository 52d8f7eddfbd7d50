package model

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// NaturalKey derives the deduplication key for a canonical record. The key is
// document-independent: the same real-world entry extracted from two documents
// must produce the same key so re-processing merges instead of duplicating.
//
// Per-kind derivation:
//   - income:       payer id (digits of CNPJ/CPF, else normalized payer name) + period + category
//   - tax_withheld: payer id + period
//   - asset:        group + code + hash of normalized description
//   - payment:      code + counterparty id (else hash of normalized description)
//
// The income key carries the category so that distinct entries from the same
// payer in the same period (a salary item and an exempt quadro entry sharing
// one CNPJ) never merge.
func NaturalKey(kind RecordKind, fields map[string]any) string {
	switch kind {
	case KindIncome:
		return join("income", payerKey(fields), str(fields, "period"), str(fields, "category"))
	case KindTaxWithheld:
		return join("tax_withheld", payerKey(fields), str(fields, "period"))
	case KindAsset:
		return join("asset",
			str(fields, "asset_group"),
			str(fields, "asset_code"),
			textHash(str(fields, "description")),
		)
	case KindPayment:
		counterparty := digits(str(fields, "counterparty_id"))
		if counterparty == "" {
			counterparty = textHash(str(fields, "description") + str(fields, "counterparty_name"))
		}
		return join("payment", str(fields, "code"), counterparty)
	default:
		return join(string(kind), textHash(fmt.Sprintf("%v", fields)))
	}
}

func payerKey(fields map[string]any) string {
	if id := digits(str(fields, "source_id")); id != "" {
		return id
	}
	return normalizeText(str(fields, "source_name"))
}

func str(fields map[string]any, name string) string {
	v, ok := fields[name]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprintf("%v", v))
}

func join(parts ...string) string {
	return strings.Join(parts, "|")
}

// digits strips everything but 0-9, normalizing CPF/CNPJ formatting variants
// ("04.567.890/0001-23" and "04567890000123" key identically).
func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizeText lowercases and collapses whitespace.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func textHash(s string) string {
	h := fnv.New64a()
	h.Write([]byte(normalizeText(s)))
	return fmt.Sprintf("%016x", h.Sum64())
}
