// Package extract wraps the external text/table extractor and normalizes its
// output into a uniform (document, raw-text, raw-tables) shape. Raw extraction
// is deterministic, so there is no retry here; retries belong to the
// structurer's repair loop.
package extract

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/declarante/irpf-cli/internal/config"
	"github.com/declarante/irpf-cli/internal/model"
)

// ErrExtractionUnavailable marks a source the external extractor cannot
// process (corrupt file, unsupported format). The document is skipped.
var ErrExtractionUnavailable = errors.New("extraction unavailable")

// Extractor produces the raw extraction payload for one document.
type Extractor interface {
	Extract(ctx context.Context, doc model.Document) (*model.ExtractionResult, error)
}

// Adapter dispatches to a concrete provider by file extension.
type Adapter struct {
	pdf  *PdfToText
	xlsx *XLSXTables
}

// NewAdapter builds the extraction adapter from config.
func NewAdapter(cfg config.ExtractConfig) *Adapter {
	return &Adapter{
		pdf:  NewPdfToText(cfg.PdfToTextPath),
		xlsx: NewXLSXTables(),
	}
}

// Extract returns raw text and tables for the document, or wraps
// ErrExtractionUnavailable if no provider can read it.
func (a *Adapter) Extract(ctx context.Context, doc model.Document) (*model.ExtractionResult, error) {
	switch strings.ToLower(filepath.Ext(doc.Path)) {
	case ".pdf":
		return a.pdf.Extract(ctx, doc)
	case ".xlsx":
		return a.xlsx.Extract(ctx, doc)
	case ".txt":
		return extractPlainText(doc)
	default:
		return nil, eris.Wrapf(ErrExtractionUnavailable, "extract: unsupported format %q", filepath.Ext(doc.Path))
	}
}
