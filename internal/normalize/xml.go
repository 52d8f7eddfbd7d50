// Package normalize parses the official IRPF filing XML directly into
// canonical records. The source is already structured, so the LLM structurer
// is bypassed; values go through the same numeric/date canonicalization as
// document-origin records so both modalities are interchangeable in the store.
package normalize

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/declarante/irpf-cli/internal/model"
	"github.com/declarante/irpf-cli/internal/schema"
)

// ErrSchemaMismatch marks a filing whose tag structure is unrecognized.
// The filing layout changes year to year; guessing a wrong mapping would
// corrupt tax data, so this is reported, never coerced.
var ErrSchemaMismatch = errors.New("filing schema mismatch")

// Normalizer converts a filing XML document into structured records.
type Normalizer struct {
	registry *schema.Registry
}

// New creates a Normalizer validating against the given registry.
func New(registry *schema.Registry) *Normalizer {
	return &Normalizer{registry: registry}
}

// Normalize parses the filing at doc.Path.
func (n *Normalizer) Normalize(ctx context.Context, doc model.Document) ([]model.StructuredRecord, error) {
	f, err := os.Open(doc.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: open %s", doc.Path)
	}
	defer f.Close()
	return n.NormalizeReader(ctx, doc, f)
}

// section identifies which filing schedule an <item> element belongs to.
type section int

const (
	secNone section = iota
	secTaxablePJ
	secExempt
	secExclusive
	secAssets
	secPayments
)

// NormalizeReader parses the filing XML from r. Fails with ErrSchemaMismatch
// when the tag structure carries no recognized schedule, reporting the
// declared version.
func (n *Normalizer) NormalizeReader(ctx context.Context, doc model.Document, r io.Reader) ([]model.StructuredRecord, error) {
	decoder := xml.NewDecoder(r)
	// Receita files are typically ISO-8859-1.
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "normalize: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}

	var (
		stack       []string
		version     string
		period      string
		seenSection bool
		records     []model.StructuredRecord
	)

	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "normalize: cancelled")
		}

		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(ErrSchemaMismatch, "normalize: malformed filing XML: %v", err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			name := el.Name.Local
			if len(stack) == 0 {
				version, period = rootInfo(el)
				if period == "" {
					if version == "" {
						version = "unknown"
					}
					return nil, eris.Wrapf(ErrSchemaMismatch, "normalize: filing declares no calendar year (version %s)", version)
				}
			}

			if name == "item" {
				sec, tipo := classify(stack)
				if sec == secNone {
					// Item under an unknown schedule: skip its subtree.
					if err := decoder.Skip(); err != nil {
						return nil, eris.Wrapf(ErrSchemaMismatch, "normalize: malformed filing XML: %v", err)
					}
					continue
				}
				seenSection = true

				recs, err := n.itemRecords(sec, tipo, attrMap(el), doc, period)
				if err != nil {
					return nil, err
				}
				records = append(records, recs...)

				if err := decoder.Skip(); err != nil {
					return nil, eris.Wrapf(ErrSchemaMismatch, "normalize: malformed filing XML: %v", err)
				}
				continue
			}
			stack = append(stack, name)

		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if !seenSection {
		if version == "" {
			version = "unknown"
		}
		return nil, eris.Wrapf(ErrSchemaMismatch, "normalize: no recognized schedules in filing (version %s)", version)
	}

	zap.L().Info("filing normalized",
		zap.String("document", doc.Path),
		zap.String("version", version),
		zap.String("period", period),
		zap.Int("records", len(records)),
	)
	return records, nil
}

// rootInfo reads the declared program version and calendar year off the root
// element. The calendar year becomes the period of every income record, so a
// filing without one cannot be normalized.
func rootInfo(el xml.StartElement) (version, period string) {
	attrs := attrMap(el)
	version = firstAttr(attrs, "versao", "versaoBeta", "ano")
	period = firstAttr(attrs, "anoCalendario", "ano_calendario")
	return version, period
}

// classify maps the open element stack to a known schedule. For the income
// quadros the enclosing auxiliary table name is returned as the income type.
func classify(stack []string) (section, string) {
	var tipo string
	for i := len(stack) - 1; i >= 0; i-- {
		name := stack[i]
		if strings.HasSuffix(name, "QuadroAuxiliar") && tipo == "" {
			tipo = strings.TrimSuffix(name, "QuadroAuxiliar")
		}
		switch {
		case name == "colecaoRendPJTitular", name == "colecaoRendPJDependente":
			return secTaxablePJ, tipo
		case name == "rendIsentos":
			return secExempt, tipo
		case name == "rendTributacaoExclusiva":
			return secExclusive, tipo
		case name == "bens":
			return secAssets, tipo
		case name == "pagamentos", name == "doacoes":
			return secPayments, tipo
		}
	}
	return secNone, ""
}

// itemRecords builds the canonical records declared by one <item>.
func (n *Normalizer) itemRecords(sec section, tipo string, attrs map[string]string, doc model.Document, period string) ([]model.StructuredRecord, error) {
	var raw []model.CandidateRecord

	switch sec {
	case secTaxablePJ:
		raw = taxablePJRecords(attrs, period)
	case secExempt:
		raw = append(raw, incomeRecord(attrs, tipo, period, "exempt"))
	case secExclusive:
		raw = append(raw, incomeRecord(attrs, tipo, period, "exclusive"))
	case secAssets:
		raw = append(raw, assetRecord(attrs))
	case secPayments:
		raw = append(raw, paymentRecord(attrs))
	}

	records := make([]model.StructuredRecord, 0, len(raw))
	for _, c := range raw {
		canonical, verrs := n.registry.Validate(c.Kind, c.Fields)
		if len(verrs) > 0 {
			return nil, eris.Wrapf(ErrSchemaMismatch, "normalize: %s item does not canonicalize: %s", c.Kind, verrs.Error())
		}
		records = append(records, model.StructuredRecord{
			DocumentID: doc.ID,
			Kind:       c.Kind,
			NaturalKey: model.NaturalKey(c.Kind, canonical),
			Fields:     canonical,
			IngestedAt: doc.IngestedAt,
		})
	}
	return records, nil
}

// taxablePJRecords maps one "rendimentos tributáveis PJ" item to an income
// record plus, when tax was withheld at source, a tax_withheld record.
func taxablePJRecords(attrs map[string]string, period string) []model.CandidateRecord {
	sourceID := firstAttr(attrs, "NIFontePagadora", "niFontePagadora")
	sourceName := firstAttr(attrs, "nomeFontePagadora")
	withheld := money(attrs, "impostoRetidoFonte") + money(attrs, "IRRFDecimoTerceiro")

	recs := []model.CandidateRecord{{
		Kind: model.KindIncome,
		Fields: map[string]any{
			"source_name":  sourceName,
			"source_id":    sourceID,
			"gross_amount": money(attrs, "rendRecebidoPJ"),
			"tax_withheld": withheld,
			"period":       period,
			"category":     "salary",
		},
	}}

	if withheld > 0 {
		recs = append(recs, model.CandidateRecord{
			Kind: model.KindTaxWithheld,
			Fields: map[string]any{
				"source_name": sourceName,
				"source_id":   sourceID,
				"amount":      withheld,
				"period":      period,
			},
		})
	}
	return recs
}

func incomeRecord(attrs map[string]string, tipo, period, category string) model.CandidateRecord {
	name := firstAttr(attrs, "nomeFonte", "descricaoRendimento", "nomeFontePagadora")
	if name == "" {
		name = tipo
	}
	return model.CandidateRecord{
		Kind: model.KindIncome,
		Fields: map[string]any{
			"source_name":  name,
			"source_id":    firstAttr(attrs, "cnpjEmpresa", "cpfBeneficiario"),
			"gross_amount": money(attrs, "valor"),
			"period":       period,
			"category":     category,
		},
	}
}

// assetCategories maps the Receita asset group code to our category enum.
var assetCategories = map[string]string{
	"01": "real_estate",
	"02": "vehicle",
	"03": "participation",
	"04": "investment",
	"06": "bank_account",
	"07": "investment",
}

func assetRecord(attrs map[string]string) model.CandidateRecord {
	group := schema.NormalizeCode(firstAttr(attrs, "grupo"))
	category, ok := assetCategories[group]
	if !ok {
		category = "other"
	}
	return model.CandidateRecord{
		Kind: model.KindAsset,
		Fields: map[string]any{
			"description":       firstAttr(attrs, "discriminacao"),
			"asset_group":       group,
			"asset_code":        schema.NormalizeCode(firstAttr(attrs, "codigo")),
			"acquisition_value": money(attrs, "valorExercicioAnterior"),
			"current_value":     money(attrs, "valorExercicioAtual"),
			"category":          category,
		},
	}
}

// paymentCategories maps the Receita payment/donation code to our enum.
var paymentCategories = map[string]string{
	"01": "education",
	"09": "health",
	"10": "health",
	"11": "health",
	"12": "health",
	"21": "health",
	"26": "health",
	"36": "pension_plan",
	"38": "pension_plan",
	"40": "donation",
	"41": "donation",
	"42": "donation",
	"43": "donation",
	"60": "legal",
	"70": "rent",
}

func paymentRecord(attrs map[string]string) model.CandidateRecord {
	code := schema.NormalizeCode(firstAttr(attrs, "codigo"))
	category, ok := paymentCategories[code]
	if !ok {
		category = "other"
	}
	return model.CandidateRecord{
		Kind: model.KindPayment,
		Fields: map[string]any{
			"code":                 code,
			"category":             category,
			"counterparty_id":      firstAttr(attrs, "niBeneficiario", "cpfPrestador", "cnpjProponente"),
			"counterparty_name":    firstAttr(attrs, "nomeBeneficiario", "nomePrestador", "nomeProponente"),
			"description":          firstAttr(attrs, "descricao"),
			"amount":               money(attrs, "valorPago"),
			"nondeductible_amount": money(attrs, "parcelaNaoDedutivel"),
		},
	}
}

func attrMap(el xml.StartElement) map[string]string {
	m := make(map[string]string, len(el.Attr))
	for _, a := range el.Attr {
		m[a.Name.Local] = a.Value
	}
	return m
}

// firstAttr returns the first non-empty attribute among names.
func firstAttr(attrs map[string]string, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(attrs[n]); v != "" {
			return v
		}
	}
	return ""
}

// money parses an attribute in Receita format ("1.234,56"); absent or blank
// attributes are zero, matching how the program emits empty schedules.
func money(attrs map[string]string, name string) float64 {
	v, ok := schema.ParseMoney(attrs[name])
	if !ok {
		return 0
	}
	return v
}
