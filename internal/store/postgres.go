package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/declarante/irpf-cli/internal/model"
	"github.com/declarante/irpf-cli/internal/schema"
)

// Pool is the subset of pgxpool.Pool the store needs. pgxmock satisfies it,
// which keeps the Postgres backend unit-testable without a live server.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id          TEXT PRIMARY KEY,
	path        TEXT NOT NULL,
	kind        TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL UNIQUE,
	status      TEXT NOT NULL DEFAULT 'pending',
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_errors JSONB,
	ingested_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS income (
	id           TEXT PRIMARY KEY,
	document_id  TEXT NOT NULL REFERENCES documents(id),
	natural_key  TEXT NOT NULL UNIQUE,
	ingested_at  TIMESTAMPTZ NOT NULL,
	source_name  TEXT NOT NULL,
	source_id    TEXT,
	gross_amount DOUBLE PRECISION NOT NULL,
	tax_withheld DOUBLE PRECISION,
	period       TEXT NOT NULL,
	category     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tax_withheld (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	natural_key TEXT NOT NULL UNIQUE,
	ingested_at TIMESTAMPTZ NOT NULL,
	source_name TEXT NOT NULL,
	source_id   TEXT,
	amount      DOUBLE PRECISION NOT NULL,
	period      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS assets (
	id                TEXT PRIMARY KEY,
	document_id       TEXT NOT NULL REFERENCES documents(id),
	natural_key       TEXT NOT NULL UNIQUE,
	ingested_at       TIMESTAMPTZ NOT NULL,
	description       TEXT NOT NULL,
	asset_group       TEXT,
	asset_code        TEXT,
	acquisition_value DOUBLE PRECISION,
	current_value     DOUBLE PRECISION NOT NULL,
	category          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS payments (
	id                   TEXT PRIMARY KEY,
	document_id          TEXT NOT NULL REFERENCES documents(id),
	natural_key          TEXT NOT NULL UNIQUE,
	ingested_at          TIMESTAMPTZ NOT NULL,
	code                 TEXT NOT NULL,
	category             TEXT NOT NULL,
	counterparty_id      TEXT,
	counterparty_name    TEXT,
	description          TEXT,
	payment_date         TEXT,
	amount               DOUBLE PRECISION NOT NULL,
	nondeductible_amount DOUBLE PRECISION
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_income_category ON income(category);
CREATE INDEX IF NOT EXISTS idx_income_period ON income(period);
CREATE INDEX IF NOT EXISTS idx_assets_category ON assets(category);
CREATE INDEX IF NOT EXISTS idx_payments_category ON payments(category);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO meta (key, value) VALUES ('schema_version', $1)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		schema.MustLoad().Version(),
	)
	return eris.Wrap(err, "postgres: record schema version")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) RegisterDocument(ctx context.Context, doc model.Document) (*model.Document, bool, error) {
	var d model.Document
	var kind, status string
	var errsJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, path, kind, fingerprint, status, attempts, last_errors, ingested_at
		 FROM documents WHERE fingerprint = $1`,
		doc.Fingerprint,
	).Scan(&d.ID, &d.Path, &kind, &d.Fingerprint, &status, &d.Attempts, &errsJSON, &d.IngestedAt)
	if err == nil {
		d.Kind = model.DocumentKind(kind)
		d.Status = model.DocumentStatus(status)
		if len(errsJSON) > 0 {
			if err := json.Unmarshal(errsJSON, &d.LastErrors); err != nil {
				return nil, false, eris.Wrap(err, "postgres: unmarshal document errors")
			}
		}
		return &d, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, eris.Wrap(err, "postgres: lookup document")
	}

	doc.ID = uuid.New().String()
	doc.Status = model.DocStatusPending
	doc.IngestedAt = time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO documents (id, path, kind, fingerprint, status, attempts, ingested_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6)`,
		doc.ID, doc.Path, string(doc.Kind), doc.Fingerprint, string(doc.Status), doc.IngestedAt,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: insert document %s", doc.Path)
	}
	return &doc, true, nil
}

func (s *PostgresStore) FinishDocument(ctx context.Context, docID string, kind model.DocumentKind, status model.DocumentStatus, attempts int, lastErrors model.ValidationErrors) error {
	var errsJSON []byte
	if len(lastErrors) > 0 {
		b, err := json.Marshal(lastErrors)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal last errors")
		}
		errsJSON = b
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET kind = $1, status = $2, attempts = $3, last_errors = $4 WHERE id = $5`,
		string(kind), string(status), attempts, errsJSON, docID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish document %s", docID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("document not found: %s", docID)
	}
	return nil
}

func (s *PostgresStore) UpsertRecord(ctx context.Context, rec model.StructuredRecord) (UpsertResult, error) {
	rt, ok := recordTables[rec.Kind]
	if !ok {
		return "", eris.Errorf("postgres: unknown record kind %q", rec.Kind)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", eris.Wrap(err, "postgres: begin upsert")
	}
	defer tx.Rollback(ctx)

	result, err := upsertInTx(ctx, tx, rt, rec)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", eris.Wrap(err, "postgres: commit upsert")
	}
	return result, nil
}

// upsertInTx resolves a record against the row currently holding its natural
// key. FOR UPDATE locks nothing when the key does not exist yet, so the
// insert uses ON CONFLICT DO NOTHING and re-reads when a concurrent
// ingestion wins the race.
func upsertInTx(ctx context.Context, tx pgx.Tx, rt recordTable, rec model.StructuredRecord) (UpsertResult, error) {
	lookup := fmt.Sprintf(`SELECT id, ingested_at FROM %s WHERE natural_key = $1 FOR UPDATE`, rt.table)

	var existingID string
	var existingAt time.Time
	err := tx.QueryRow(ctx, lookup, rec.NaturalKey).Scan(&existingID, &existingAt)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		cols := append([]string{"id", "document_id", "natural_key", "ingested_at"}, rt.cols...)
		args := append([]any{uuid.New().String(), rec.DocumentID, rec.NaturalKey, rec.IngestedAt}, fieldValues(rt, rec)...)
		tag, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (natural_key) DO NOTHING`,
				rt.table, strings.Join(cols, ", "), pgPlaceholders(len(cols))),
			args...,
		)
		if err != nil {
			return "", eris.Wrapf(err, "postgres: insert %s record", rec.Kind)
		}
		if tag.RowsAffected() == 0 {
			if err := tx.QueryRow(ctx, lookup, rec.NaturalKey).Scan(&existingID, &existingAt); err != nil {
				return "", eris.Wrapf(err, "postgres: reread %s record", rec.Kind)
			}
			return supersedeOrKeep(ctx, tx, rt, rec, existingID, existingAt)
		}
		return UpsertInserted, nil

	case err != nil:
		return "", eris.Wrapf(err, "postgres: lookup %s record", rec.Kind)

	default:
		return supersedeOrKeep(ctx, tx, rt, rec, existingID, existingAt)
	}
}

func supersedeOrKeep(ctx context.Context, tx pgx.Tx, rt recordTable, rec model.StructuredRecord, existingID string, existingAt time.Time) (UpsertResult, error) {
	if !existingAt.Before(rec.IngestedAt) {
		return UpsertUnchanged, nil
	}
	sets := make([]string, 0, len(rt.cols)+2)
	sets = append(sets, "document_id = $1", "ingested_at = $2")
	for i, c := range rt.cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", c, i+3))
	}
	args := append([]any{rec.DocumentID, rec.IngestedAt}, fieldValues(rt, rec)...)
	args = append(args, existingID)
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`, rt.table, strings.Join(sets, ", "), len(args)),
		args...,
	); err != nil {
		return "", eris.Wrapf(err, "postgres: supersede %s record", rec.Kind)
	}
	return UpsertSuperseded, nil
}

func (s *PostgresStore) Query(ctx context.Context, expr string) (Rows, error) {
	if err := ValidateReadOnly(expr); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, expr)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query")
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out Rows
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, eris.Wrap(err, "postgres: read query row")
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[f.Name] = vals[i]
		}
		out = append(out, row)
	}
	return out, eris.Wrap(rows.Err(), "postgres: query iterate")
}

func (s *PostgresStore) FindSalaryIncome(ctx context.Context) ([]SalaryIncome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_name, COALESCE(source_id, ''), gross_amount, COALESCE(tax_withheld, 0), period
		 FROM income WHERE category = 'salary'
		 ORDER BY period, source_name`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find salary income")
	}
	defer rows.Close()

	var out []SalaryIncome
	for rows.Next() {
		var si SalaryIncome
		if err := rows.Scan(&si.SourceName, &si.SourceID, &si.GrossAmount, &si.TaxWithheld, &si.Period); err != nil {
			return nil, eris.Wrap(err, "postgres: scan salary income")
		}
		out = append(out, si)
	}
	return out, eris.Wrap(rows.Err(), "postgres: salary income iterate")
}

func (s *PostgresStore) TotalsByCategory(ctx context.Context) ([]CategoryTotal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT category, SUM(amount), COUNT(*) FROM (
			SELECT category, gross_amount AS amount FROM income
			UNION ALL
			SELECT category, amount FROM payments
		 ) flows GROUP BY category ORDER BY SUM(amount) DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: totals by category")
	}
	defer rows.Close()

	var out []CategoryTotal
	for rows.Next() {
		var ct CategoryTotal
		if err := rows.Scan(&ct.Category, &ct.Total, &ct.Entries); err != nil {
			return nil, eris.Wrap(err, "postgres: scan category total")
		}
		out = append(out, ct)
	}
	return out, eris.Wrap(rows.Err(), "postgres: totals iterate")
}

func (s *PostgresStore) AnalyzeAssets(ctx context.Context) ([]AssetStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT category, COUNT(*), SUM(current_value), AVG(current_value),
		        MIN(current_value), MAX(current_value)
		 FROM assets GROUP BY category ORDER BY SUM(current_value) DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: analyze assets")
	}
	defer rows.Close()

	var out []AssetStats
	for rows.Next() {
		var as AssetStats
		if err := rows.Scan(&as.Category, &as.Count, &as.TotalValue, &as.AverageValue, &as.MinValue, &as.MaxValue); err != nil {
			return nil, eris.Wrap(err, "postgres: scan asset stats")
		}
		out = append(out, as)
	}
	return out, eris.Wrap(rows.Err(), "postgres: assets iterate")
}

func (s *PostgresStore) AllIncomeSources(ctx context.Context) ([]IncomeSource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT category, source_name, gross_amount, period
		 FROM income ORDER BY period, gross_amount DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: all income sources")
	}
	defer rows.Close()

	var out []IncomeSource
	for rows.Next() {
		var is IncomeSource
		if err := rows.Scan(&is.Category, &is.SourceName, &is.Amount, &is.Period); err != nil {
			return nil, eris.Wrap(err, "postgres: scan income source")
		}
		out = append(out, is)
	}
	return out, eris.Wrap(rows.Err(), "postgres: income sources iterate")
}

func (s *PostgresStore) Status(ctx context.Context) (*StatusSummary, error) {
	summary := &StatusSummary{
		Driver:    "postgres",
		Documents: map[model.DocumentStatus]int{},
		Records:   map[model.RecordKind]int{},
	}
	if err := s.pool.Ping(ctx); err != nil {
		return summary, nil
	}
	summary.Available = true

	var version string
	err := s.pool.QueryRow(ctx, `SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(err, "postgres: read schema version")
	}
	summary.SchemaVersion = version

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count documents")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan document count")
		}
		summary.Documents[model.DocumentStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: document counts iterate")
	}

	for kind, rt := range recordTables {
		var n int
		if err := s.pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s`, rt.table),
		).Scan(&n); err != nil {
			return nil, eris.Wrapf(err, "postgres: count %s records", kind)
		}
		summary.Records[kind] = n
	}

	issueRows, err := s.pool.Query(ctx,
		`SELECT path, status, attempts, last_errors FROM documents
		 WHERE status IN ('needs_manual_review', 'failed')
		 ORDER BY ingested_at DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending review")
	}
	defer issueRows.Close()
	for issueRows.Next() {
		var di DocumentIssue
		var status string
		var errsJSON []byte
		if err := issueRows.Scan(&di.Path, &status, &di.Attempts, &errsJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending review")
		}
		di.Status = model.DocumentStatus(status)
		if len(errsJSON) > 0 {
			if err := json.Unmarshal(errsJSON, &di.LastErrors); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal last errors")
			}
		}
		summary.PendingReview = append(summary.PendingReview, di)
	}
	if err := issueRows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: pending review iterate")
	}
	return summary, nil
}

func pgPlaceholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ", ")
}
