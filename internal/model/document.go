package model

import "time"

// DocumentKind identifies the source artifact type.
type DocumentKind string

const (
	DocKindIncomeStatement DocumentKind = "income-statement"
	DocKindBankRecord      DocumentKind = "bank-record"
	DocKindReceipt         DocumentKind = "receipt"
	DocKindFilingXML       DocumentKind = "filing-xml"
)

// ParseDocumentKind returns the DocumentKind for s, or "" if unknown.
func ParseDocumentKind(s string) DocumentKind {
	switch DocumentKind(s) {
	case DocKindIncomeStatement, DocKindBankRecord, DocKindReceipt, DocKindFilingXML:
		return DocumentKind(s)
	default:
		return ""
	}
}

// DocumentStatus tracks a document through the ingestion pipeline.
type DocumentStatus string

const (
	// DocStatusPending means the document is registered but not yet processed.
	DocStatusPending DocumentStatus = "pending"
	// DocStatusIngested means all records from the document were accepted.
	DocStatusIngested DocumentStatus = "ingested"
	// DocStatusSkipped means the external extractor could not read the source.
	DocStatusSkipped DocumentStatus = "skipped"
	// DocStatusNeedsManualReview means the repair budget was exhausted or the
	// document kind could not be classified.
	DocStatusNeedsManualReview DocumentStatus = "needs_manual_review"
	// DocStatusFailed means a structural error (e.g. unrecognized filing XML
	// version) was detected. Never retried.
	DocStatusFailed DocumentStatus = "failed"
)

// Document identifies one ingested source artifact. Immutable once ingested;
// re-ingestion of an unchanged source is detected by Fingerprint.
type Document struct {
	ID          string           `json:"id"`
	Path        string           `json:"path"`
	Kind        DocumentKind     `json:"kind,omitempty"`
	Fingerprint string           `json:"fingerprint"`
	Status      DocumentStatus   `json:"status"`
	Attempts    int              `json:"attempts"`
	LastErrors  ValidationErrors `json:"last_errors,omitempty"`
	IngestedAt  time.Time        `json:"ingested_at"`
}

// Table is a raw table extracted from a document, rows of string cells.
type Table struct {
	Name string     `json:"name,omitempty"`
	Rows [][]string `json:"rows"`
}

// ExtractionResult is the raw text and table payload for one document.
// Transient: kept only while structuring (and its repair retries) runs.
type ExtractionResult struct {
	DocumentID string  `json:"document_id"`
	Text       string  `json:"text"`
	Tables     []Table `json:"tables,omitempty"`
}
