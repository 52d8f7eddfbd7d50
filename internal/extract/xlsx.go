package extract

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/declarante/irpf-cli/internal/model"
)

// XLSXTables extracts spreadsheet bank records: every sheet becomes one raw
// table of string cells.
type XLSXTables struct{}

// NewXLSXTables creates the spreadsheet provider.
func NewXLSXTables() *XLSXTables {
	return &XLSXTables{}
}

// Extract reads all sheets of an XLSX workbook. A flattened text rendering of
// the tables is included so the structurer prompt sees both shapes.
func (x *XLSXTables) Extract(ctx context.Context, doc model.Document) (*model.ExtractionResult, error) {
	f, err := xlsx.OpenFile(doc.Path)
	if err != nil {
		return nil, eris.Wrapf(ErrExtractionUnavailable, "extract: open xlsx %s: %v", doc.Path, err)
	}

	var tables []model.Table
	for _, sheet := range f.Sheets {
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "extract: xlsx interrupted for %s", doc.Path)
		}

		var rows [][]string
		for _, row := range sheet.Rows {
			cells := make([]string, len(row.Cells))
			empty := true
			for i, c := range row.Cells {
				cells[i] = strings.TrimSpace(c.Value)
				if cells[i] != "" {
					empty = false
				}
			}
			if !empty {
				rows = append(rows, cells)
			}
		}
		if len(rows) > 0 {
			tables = append(tables, model.Table{Name: sheet.Name, Rows: rows})
		}
	}

	if len(tables) == 0 {
		return nil, eris.Wrapf(ErrExtractionUnavailable, "extract: no table content in %s", doc.Path)
	}

	return &model.ExtractionResult{
		DocumentID: doc.ID,
		Text:       renderTables(tables),
		Tables:     tables,
	}, nil
}

// renderTables flattens tables into tab-separated text.
func renderTables(tables []model.Table) string {
	var b strings.Builder
	for _, t := range tables {
		if t.Name != "" {
			b.WriteString("## " + t.Name + "\n")
		}
		for _, row := range t.Rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}
