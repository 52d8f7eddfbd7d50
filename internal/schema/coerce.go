package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/declarante/irpf-cli/internal/model"
)

// coerce applies the field type's canonicalization rule to a raw value.
func coerce(f Field, raw any) (any, *model.ValidationError) {
	switch f.Type {
	case TypeString:
		return strings.TrimSpace(fmt.Sprintf("%v", raw)), nil
	case TypeMoney:
		return coerceMoney(f, raw)
	case TypeDate:
		return coerceDate(f, raw)
	case TypePeriod:
		return coercePeriod(f, raw)
	case TypeEnum:
		return coerceEnum(f, raw)
	default:
		return nil, &model.ValidationError{
			Field:      f.Name,
			Constraint: "unsupported field type",
			Actual:     string(f.Type),
		}
	}
}

func coerceMoney(f Field, raw any) (any, *model.ValidationError) {
	amount, ok := toAmount(raw)
	if !ok {
		return nil, &model.ValidationError{
			Field:      f.Name,
			Constraint: "not a monetary amount",
			Expected:   "numeric value",
			Actual:     fmt.Sprintf("%v", raw),
		}
	}
	if f.NonNegative && amount < 0 {
		return nil, &model.ValidationError{
			Field:      f.Name,
			Constraint: "must be non-negative",
			Actual:     fmt.Sprintf("%v", raw),
		}
	}
	// Currency values are held at two decimal places.
	return math.Round(amount*100) / 100, nil
}

// toAmount accepts native numbers, plain decimal strings ("1234.56") and
// Brazilian-formatted strings ("1.234,56", "R$ 1.234,56").
func toAmount(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	case string:
		return ParseMoney(v)
	default:
		return 0, false
	}
}

// ParseMoney parses a monetary string in plain or Brazilian format.
func ParseMoney(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "R$")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	// Brazilian format: comma is the decimal separator, dot groups thousands.
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// dateLayouts are tried in order when canonicalizing date fields.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2006-01-02T15:04:05Z07:00",
	"02-01-2006",
}

func coerceDate(f Field, raw any) (any, *model.ValidationError) {
	s := strings.TrimSpace(fmt.Sprintf("%v", raw))
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return nil, &model.ValidationError{
		Field:      f.Name,
		Constraint: "not a parseable date",
		Expected:   "YYYY-MM-DD or DD/MM/YYYY",
		Actual:     s,
	}
}

var yearRe = regexp.MustCompile(`^\d{4}$`)
var yearMonthRe = regexp.MustCompile(`^(\d{4})-(\d{2})$`)

// coercePeriod canonicalizes a fiscal period: a calendar year ("2024"), a
// year-month ("2024-05"), or a full date (reduced to its year-month).
func coercePeriod(f Field, raw any) (any, *model.ValidationError) {
	s := strings.TrimSpace(fmt.Sprintf("%v", raw))

	if yearRe.MatchString(s) {
		return s, nil
	}
	if m := yearMonthRe.FindStringSubmatch(s); m != nil {
		if month, err := strconv.Atoi(m[2]); err == nil && month >= 1 && month <= 12 {
			return s, nil
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01"), nil
		}
	}
	return nil, &model.ValidationError{
		Field:      f.Name,
		Constraint: "not a fiscal period",
		Expected:   "YYYY or YYYY-MM",
		Actual:     s,
	}
}

func coerceEnum(f Field, raw any) (any, *model.ValidationError) {
	s := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", raw)))
	for _, v := range f.Values {
		if s == v {
			return s, nil
		}
	}
	return nil, &model.ValidationError{
		Field:      f.Name,
		Constraint: "not a member of the enumeration",
		Expected:   strings.Join(f.Values, ", "),
		Actual:     s,
	}
}

// NormalizeCode pads numeric fiche codes to two digits ("1" becomes "01"),
// matching how the Receita program displays them.
func NormalizeCode(code string) string {
	code = strings.TrimSpace(code)
	if len(code) == 1 && code >= "0" && code <= "9" {
		return "0" + code
	}
	return code
}
