package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/declarante/irpf-cli/internal/model"
	"github.com/declarante/irpf-cli/internal/schema"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// Single writer keeps natural-key upserts serialized without SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
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
	last_errors TEXT,
	ingested_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS income (
	id           TEXT PRIMARY KEY,
	document_id  TEXT NOT NULL REFERENCES documents(id),
	natural_key  TEXT NOT NULL UNIQUE,
	ingested_at  DATETIME NOT NULL,
	source_name  TEXT NOT NULL,
	source_id    TEXT,
	gross_amount REAL NOT NULL,
	tax_withheld REAL,
	period       TEXT NOT NULL,
	category     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tax_withheld (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	natural_key TEXT NOT NULL UNIQUE,
	ingested_at DATETIME NOT NULL,
	source_name TEXT NOT NULL,
	source_id   TEXT,
	amount      REAL NOT NULL,
	period      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS assets (
	id                TEXT PRIMARY KEY,
	document_id       TEXT NOT NULL REFERENCES documents(id),
	natural_key       TEXT NOT NULL UNIQUE,
	ingested_at       DATETIME NOT NULL,
	description       TEXT NOT NULL,
	asset_group       TEXT,
	asset_code        TEXT,
	acquisition_value REAL,
	current_value     REAL NOT NULL,
	category          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS payments (
	id                   TEXT PRIMARY KEY,
	document_id          TEXT NOT NULL REFERENCES documents(id),
	natural_key          TEXT NOT NULL UNIQUE,
	ingested_at          DATETIME NOT NULL,
	code                 TEXT NOT NULL,
	category             TEXT NOT NULL,
	counterparty_id      TEXT,
	counterparty_name    TEXT,
	description          TEXT,
	payment_date         TEXT,
	amount               REAL NOT NULL,
	nondeductible_amount REAL
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_income_category ON income(category);
CREATE INDEX IF NOT EXISTS idx_income_period ON income(period);
CREATE INDEX IF NOT EXISTS idx_assets_category ON assets(category);
CREATE INDEX IF NOT EXISTS idx_payments_category ON payments(category);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		schema.MustLoad().Version(),
	)
	return eris.Wrap(err, "sqlite: record schema version")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) RegisterDocument(ctx context.Context, doc model.Document) (*model.Document, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, path, kind, fingerprint, status, attempts, last_errors, ingested_at
		 FROM documents WHERE fingerprint = ?`,
		doc.Fingerprint,
	)
	existing, err := scanDocument(row)
	if err == nil {
		return existing, false, nil
	}
	if !eris.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	doc.ID = uuid.New().String()
	doc.Status = model.DocStatusPending
	doc.IngestedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (id, path, kind, fingerprint, status, attempts, ingested_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		doc.ID, doc.Path, string(doc.Kind), doc.Fingerprint, string(doc.Status), doc.IngestedAt,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: insert document %s", doc.Path)
	}
	return &doc, true, nil
}

func (s *SQLiteStore) FinishDocument(ctx context.Context, docID string, kind model.DocumentKind, status model.DocumentStatus, attempts int, lastErrors model.ValidationErrors) error {
	var errsJSON sql.NullString
	if len(lastErrors) > 0 {
		b, err := json.Marshal(lastErrors)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal last errors")
		}
		errsJSON = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET kind = ?, status = ?, attempts = ?, last_errors = ? WHERE id = ?`,
		string(kind), string(status), attempts, errsJSON, docID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish document %s", docID)
	}
	return checkRowsAffected(res, "document", docID)
}

func (s *SQLiteStore) UpsertRecord(ctx context.Context, rec model.StructuredRecord) (UpsertResult, error) {
	rt, ok := recordTables[rec.Kind]
	if !ok {
		return "", eris.Errorf("sqlite: unknown record kind %q", rec.Kind)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback()

	var existingID string
	var existingAt time.Time
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, ingested_at FROM %s WHERE natural_key = ?`, rt.table),
		rec.NaturalKey,
	).Scan(&existingID, &existingAt)

	var result UpsertResult
	switch {
	case err == sql.ErrNoRows:
		cols := append([]string{"id", "document_id", "natural_key", "ingested_at"}, rt.cols...)
		args := append([]any{uuid.New().String(), rec.DocumentID, rec.NaturalKey, rec.IngestedAt}, fieldValues(rt, rec)...)
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
				rt.table, strings.Join(cols, ", "), placeholders(len(cols))),
			args...,
		)
		if err != nil {
			return "", eris.Wrapf(err, "sqlite: insert %s record", rec.Kind)
		}
		result = UpsertInserted

	case err != nil:
		return "", eris.Wrapf(err, "sqlite: lookup %s record", rec.Kind)

	case existingAt.Before(rec.IngestedAt):
		sets := make([]string, 0, len(rt.cols)+2)
		sets = append(sets, "document_id = ?", "ingested_at = ?")
		for _, c := range rt.cols {
			sets = append(sets, c+" = ?")
		}
		args := append([]any{rec.DocumentID, rec.IngestedAt}, fieldValues(rt, rec)...)
		args = append(args, existingID)
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, rt.table, strings.Join(sets, ", ")),
			args...,
		)
		if err != nil {
			return "", eris.Wrapf(err, "sqlite: supersede %s record", rec.Kind)
		}
		result = UpsertSuperseded

	default:
		result = UpsertUnchanged
	}

	if err := tx.Commit(); err != nil {
		return "", eris.Wrap(err, "sqlite: commit upsert")
	}
	return result, nil
}

func (s *SQLiteStore) Query(ctx context.Context, expr string) (Rows, error) {
	if err := ValidateReadOnly(expr); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, expr)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query")
	}
	defer rows.Close()

	out, err := collectRows(rows)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan query rows")
	}
	return out, eris.Wrap(rows.Err(), "sqlite: query iterate")
}

func (s *SQLiteStore) FindSalaryIncome(ctx context.Context) ([]SalaryIncome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_name, COALESCE(source_id, ''), gross_amount, COALESCE(tax_withheld, 0), period
		 FROM income WHERE category = 'salary'
		 ORDER BY period, source_name`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find salary income")
	}
	defer rows.Close()

	var out []SalaryIncome
	for rows.Next() {
		var si SalaryIncome
		if err := rows.Scan(&si.SourceName, &si.SourceID, &si.GrossAmount, &si.TaxWithheld, &si.Period); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan salary income")
		}
		out = append(out, si)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: salary income iterate")
}

func (s *SQLiteStore) TotalsByCategory(ctx context.Context) ([]CategoryTotal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, SUM(amount), COUNT(*) FROM (
			SELECT category, gross_amount AS amount FROM income
			UNION ALL
			SELECT category, amount FROM payments
		 ) GROUP BY category ORDER BY SUM(amount) DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: totals by category")
	}
	defer rows.Close()

	var out []CategoryTotal
	for rows.Next() {
		var ct CategoryTotal
		if err := rows.Scan(&ct.Category, &ct.Total, &ct.Entries); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan category total")
		}
		out = append(out, ct)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: totals iterate")
}

func (s *SQLiteStore) AnalyzeAssets(ctx context.Context) ([]AssetStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, COUNT(*), SUM(current_value), AVG(current_value),
		        MIN(current_value), MAX(current_value)
		 FROM assets GROUP BY category ORDER BY SUM(current_value) DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: analyze assets")
	}
	defer rows.Close()

	var out []AssetStats
	for rows.Next() {
		var as AssetStats
		if err := rows.Scan(&as.Category, &as.Count, &as.TotalValue, &as.AverageValue, &as.MinValue, &as.MaxValue); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan asset stats")
		}
		out = append(out, as)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: assets iterate")
}

func (s *SQLiteStore) AllIncomeSources(ctx context.Context) ([]IncomeSource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, source_name, gross_amount, period
		 FROM income ORDER BY period, gross_amount DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: all income sources")
	}
	defer rows.Close()

	var out []IncomeSource
	for rows.Next() {
		var is IncomeSource
		if err := rows.Scan(&is.Category, &is.SourceName, &is.Amount, &is.Period); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan income source")
		}
		out = append(out, is)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: income sources iterate")
}

func (s *SQLiteStore) Status(ctx context.Context) (*StatusSummary, error) {
	summary := &StatusSummary{
		Driver:    "sqlite",
		Documents: map[model.DocumentStatus]int{},
		Records:   map[model.RecordKind]int{},
	}
	if err := s.db.PingContext(ctx); err != nil {
		return summary, nil
	}
	summary.Available = true

	var version sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return nil, eris.Wrap(err, "sqlite: read schema version")
	}
	summary.SchemaVersion = version.String

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count documents")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document count")
		}
		summary.Documents[model.DocumentStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: document counts iterate")
	}

	for kind, rt := range recordTables {
		var n int
		if err := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s`, rt.table),
		).Scan(&n); err != nil {
			return nil, eris.Wrapf(err, "sqlite: count %s records", kind)
		}
		summary.Records[kind] = n
	}

	issues, err := s.pendingReview(ctx)
	if err != nil {
		return nil, err
	}
	summary.PendingReview = issues
	return summary, nil
}

func (s *SQLiteStore) pendingReview(ctx context.Context) ([]DocumentIssue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, status, attempts, last_errors FROM documents
		 WHERE status IN ('needs_manual_review', 'failed')
		 ORDER BY ingested_at DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending review")
	}
	defer rows.Close()

	var out []DocumentIssue
	for rows.Next() {
		var di DocumentIssue
		var status string
		var errsJSON sql.NullString
		if err := rows.Scan(&di.Path, &status, &di.Attempts, &errsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending review")
		}
		di.Status = model.DocumentStatus(status)
		if errsJSON.Valid {
			if err := json.Unmarshal([]byte(errsJSON.String), &di.LastErrors); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal last errors")
			}
		}
		out = append(out, di)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: pending review iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDocument(row scannable) (*model.Document, error) {
	var d model.Document
	var kind, status string
	var errsJSON sql.NullString

	err := row.Scan(&d.ID, &d.Path, &kind, &d.Fingerprint, &status, &d.Attempts, &errsJSON, &d.IngestedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(sql.ErrNoRows, "document not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan document")
	}

	d.Kind = model.DocumentKind(kind)
	d.Status = model.DocumentStatus(status)
	if errsJSON.Valid {
		if err := json.Unmarshal([]byte(errsJSON.String), &d.LastErrors); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal document errors")
		}
	}
	return &d, nil
}

func collectRows(rows *sql.Rows) (Rows, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out Rows
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, nil
}
