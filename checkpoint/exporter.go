package checkpoint

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Колонки экспорта; порядок стабилен между запусками
var exportColumns = []string{
	"input_id", "resolved_siret", "official_name",
	"confidence_score", "match_method", "alternatives", "error",
}

// Exporter выгружает все строки хранилища в табличный файл.
// Успехи и ошибки выгружаются вместе; экспорт только читает.
type Exporter struct {
	store *Store
}

// NewExporter создает экспортер поверх хранилища
func NewExporter(store *Store) *Exporter {
	return &Exporter{store: store}
}

// Export выбирает формат по расширению файла: .xlsx дает Excel,
// все остальное — CSV
func (e *Exporter) Export(path string) error {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return e.ExportExcel(path)
	}
	return e.ExportCSV(path)
}

// ExportCSV выгружает хранилище в CSV с разделителем ';'
// (входные файлы используют тот же диалект)
func (e *Exporter) ExportCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = ';'
	if err := w.Write(exportColumns); err != nil {
		return fmt.Errorf("write export header: %w", err)
	}

	err = e.store.ForEach(func(r Row) error {
		return w.Write(exportRecord(r))
	})
	if err != nil {
		return fmt.Errorf("export rows: %w", err)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush export: %w", err)
	}
	return f.Sync()
}

// ExportExcel выгружает хранилище в книгу Excel с одним листом
func (e *Exporter) ExportExcel(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Results"
	f.SetSheetName("Sheet1", sheet)

	header := make([]interface{}, len(exportColumns))
	for i, c := range exportColumns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write export header: %w", err)
	}

	rowIdx := 2
	err := e.store.ForEach(func(r Row) error {
		values := exportRecord(r)
		cells := make([]interface{}, len(values))
		for i, v := range values {
			cells[i] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, rowIdx)
		if err != nil {
			return err
		}
		rowIdx++
		return f.SetSheetRow(sheet, cell, &cells)
	})
	if err != nil {
		return fmt.Errorf("export rows: %w", err)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save export workbook: %w", err)
	}
	return nil
}

func exportRecord(r Row) []string {
	alternatives, _ := json.Marshal(nonNil(r.Alternatives))
	return []string{
		r.InputID,
		r.Siret,
		r.OfficialName,
		strconv.FormatFloat(r.Confidence, 'f', 2, 64),
		r.Method,
		string(alternatives),
		r.Error,
	}
}
