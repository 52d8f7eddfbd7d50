package extract

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/declarante/irpf-cli/internal/model"
)

// PdfToText extracts text from PDFs by shelling out to the pdftotext CLI.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText provider. If binPath is empty, "pdftotext"
// is resolved from PATH.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// Extract runs pdftotext -layout and returns its stdout as the raw text.
// Table structure in PDFs survives as layout-aligned text, which is what the
// structurer prompt consumes.
func (p *PdfToText) Extract(ctx context.Context, doc model.Document) (*model.ExtractionResult, error) {
	cmd := exec.CommandContext(ctx, p.binPath, "-layout", doc.Path, "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "extract: pdftotext interrupted for %s", doc.Path)
		}
		return nil, eris.Wrapf(ErrExtractionUnavailable,
			"extract: pdftotext failed for %s: %v: %s", doc.Path, err, strings.TrimSpace(stderr.String()))
	}

	text := stdout.String()
	if strings.TrimSpace(text) == "" {
		return nil, eris.Wrapf(ErrExtractionUnavailable, "extract: no text content in %s", doc.Path)
	}

	return &model.ExtractionResult{DocumentID: doc.ID, Text: text}, nil
}

// extractPlainText reads a .txt source directly.
func extractPlainText(doc model.Document) (*model.ExtractionResult, error) {
	data, err := os.ReadFile(doc.Path)
	if err != nil {
		return nil, eris.Wrapf(ErrExtractionUnavailable, "extract: read %s: %v", doc.Path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, eris.Wrapf(ErrExtractionUnavailable, "extract: no text content in %s", doc.Path)
	}
	return &model.ExtractionResult{DocumentID: doc.ID, Text: string(data)}, nil
}
