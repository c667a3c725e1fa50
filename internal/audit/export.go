package audit

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/roach88/stocktake/internal/model"
)

func exportHeaders() []string {
	return []string{
		"Entry ID",
		"At",
		"Actor",
		"Kind",
		"Operation",
		"Groups",
		"Location",
		"Reason",
		"Note",
		"Final",
		"Over Items",
		"Extra Items",
		"Short Items",
		"Warnings",
	}
}

func exportRowValues(e model.AuditEntry) []any {
	return []any{
		e.ID,
		e.At.UTC().Format(time.RFC3339),
		e.Actor,
		string(e.Kind),
		e.OperationRef,
		strings.Join(e.GroupRefs, ", "),
		e.LocationRef,
		e.Reason,
		e.Note,
		e.Final,
		formatItems(e.OverItems),
		formatItems(e.ExtraItems),
		formatItems(e.ShortItems),
		strings.Join(e.Warnings, "; "),
	}
}

func formatItems(items []model.AuditItem) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		name := it.Title
		if name == "" {
			name = it.ItemID
		}
		parts = append(parts, fmt.Sprintf("%s x%d", name, it.Qty))
	}
	return strings.Join(parts, ", ")
}

// WriteXLSX writes entries as a spreadsheet with one row per entry.
func WriteXLSX(w io.Writer, entries []model.AuditEntry) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "History"
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return err
	}

	for i, h := range exportHeaders() {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}

	for i, e := range entries {
		rowIdx := i + 2
		for c, v := range exportRowValues(e) {
			cell, err := excelize.CoordinatesToCellName(c+1, rowIdx)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
