// Package store persists validated records with natural-key deduplication and
// answers the query/aggregation surface. It is the only durable artifact the
// pipeline owns; its logical schema is the compatibility contract across runs.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/declarante/irpf-cli/internal/config"
	"github.com/declarante/irpf-cli/internal/model"
)

// UpsertResult reports which branch an upsert took, for observability.
type UpsertResult string

const (
	// UpsertInserted means no record existed for the natural key.
	UpsertInserted UpsertResult = "inserted"
	// UpsertSuperseded means an older record was replaced by one from a
	// newer document ingestion.
	UpsertSuperseded UpsertResult = "superseded"
	// UpsertUnchanged means an existing record from an equal or newer
	// ingestion was kept; the call was a no-op.
	UpsertUnchanged UpsertResult = "unchanged"
)

// Rows is the shape of ad hoc query results.
type Rows []map[string]any

// SalaryIncome is one row of the salary lookup.
type SalaryIncome struct {
	SourceName  string  `json:"source_name"`
	SourceID    string  `json:"source_id,omitempty"`
	GrossAmount float64 `json:"gross_amount"`
	TaxWithheld float64 `json:"tax_withheld"`
	Period      string  `json:"period"`
}

// CategoryTotal is one row of the category totals aggregation. It covers
// money flows (income and payments); asset positions are excluded.
type CategoryTotal struct {
	Category string  `json:"category"`
	Total    float64 `json:"total"`
	Entries  int     `json:"entries"`
}

// AssetStats is one row of the asset analysis aggregation.
type AssetStats struct {
	Category     string  `json:"category"`
	Count        int     `json:"count"`
	TotalValue   float64 `json:"total_value"`
	AverageValue float64 `json:"average_value"`
	MinValue     float64 `json:"min_value"`
	MaxValue     float64 `json:"max_value"`
}

// IncomeSource is one row of the all-income-sources aggregation.
type IncomeSource struct {
	Category   string  `json:"category"`
	SourceName string  `json:"source_name"`
	Amount     float64 `json:"amount"`
	Period     string  `json:"period"`
}

// DocumentIssue surfaces a document that needs attention in the status check.
type DocumentIssue struct {
	Path       string                 `json:"path"`
	Status     model.DocumentStatus   `json:"status"`
	Attempts   int                    `json:"attempts"`
	LastErrors model.ValidationErrors `json:"last_errors,omitempty"`
}

// StatusSummary is the status-check payload: availability plus per-status
// document counts, per-kind record counts and manual-review diagnostics.
type StatusSummary struct {
	Available     bool                         `json:"available"`
	Driver        string                       `json:"driver"`
	SchemaVersion string                       `json:"schema_version,omitempty"`
	Documents     map[model.DocumentStatus]int `json:"documents"`
	Records       map[model.RecordKind]int     `json:"records"`
	PendingReview []DocumentIssue              `json:"pending_review,omitempty"`
}

// Store defines the persistence contract shared by both backends.
type Store interface {
	// RegisterDocument records a document by content fingerprint. If a
	// document with the same fingerprint already exists the stored one is
	// returned with isNew=false, making re-ingestion of unchanged sources a
	// no-op.
	RegisterDocument(ctx context.Context, doc model.Document) (stored *model.Document, isNew bool, err error)

	// FinishDocument sets the terminal pipeline state of a document.
	FinishDocument(ctx context.Context, docID string, kind model.DocumentKind, status model.DocumentStatus, attempts int, lastErrors model.ValidationErrors) error

	// UpsertRecord persists a validated record. Resolution per (schema,
	// natural key) is atomic: the new value supersedes an existing one only
	// when it originates from a newer document ingestion.
	UpsertRecord(ctx context.Context, rec model.StructuredRecord) (UpsertResult, error)

	// Query executes a restricted read-only expression. Mutation intent is
	// rejected with ErrUnsafeQuery before touching the database.
	Query(ctx context.Context, expr string) (Rows, error)

	// Canned aggregations backing the query service.
	FindSalaryIncome(ctx context.Context) ([]SalaryIncome, error)
	TotalsByCategory(ctx context.Context) ([]CategoryTotal, error)
	AnalyzeAssets(ctx context.Context) ([]AssetStats, error)
	AllIncomeSources(ctx context.Context) ([]IncomeSource, error)

	// Status reports store availability and ingestion diagnostics.
	Status(ctx context.Context) (*StatusSummary, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// New builds a Store from config.
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLite(cfg.DatabaseURL)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}

// recordTable describes the per-kind table layout used by both backends.
type recordTable struct {
	table string
	cols  []string
}

// recordTables maps each schema variant to its table. Natural-key uniqueness
// is enforced per table, which realizes the (schema, natural key) contract.
var recordTables = map[model.RecordKind]recordTable{
	model.KindIncome: {
		table: "income",
		cols:  []string{"source_name", "source_id", "gross_amount", "tax_withheld", "period", "category"},
	},
	model.KindTaxWithheld: {
		table: "tax_withheld",
		cols:  []string{"source_name", "source_id", "amount", "period"},
	},
	model.KindAsset: {
		table: "assets",
		cols:  []string{"description", "asset_group", "asset_code", "acquisition_value", "current_value", "category"},
	},
	model.KindPayment: {
		table: "payments",
		cols:  []string{"code", "category", "counterparty_id", "counterparty_name", "description", "payment_date", "amount", "nondeductible_amount"},
	},
}

// fieldValues orders a record's canonical fields to match the table columns;
// absent optional fields become NULL.
func fieldValues(rt recordTable, rec model.StructuredRecord) []any {
	vals := make([]any, len(rt.cols))
	for i, col := range rt.cols {
		if v, ok := rec.Fields[col]; ok {
			vals[i] = v
		}
	}
	return vals
}
