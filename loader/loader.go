package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrStopIteration возвращается callback-ом для досрочной остановки обхода
var ErrStopIteration = errors.New("stop iteration")

// Loader потоковый читатель входного файла поставщиков.
// Поддерживает Excel (.xlsx/.xlsm) и текстовые файлы с разделителями
// (.csv/.txt, разделитель ',' или ';' определяется по заголовку).
// Записи отдаются в стабильном порядке строк файла.
type Loader struct {
	path string
	kind fileKind
}

type fileKind int

const (
	kindExcel fileKind = iota
	kindCSV
)

// Open создает Loader и проверяет, что формат файла поддерживается
func Open(path string) (*Loader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("input file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return &Loader{path: path, kind: kindExcel}, nil
	case ".csv", ".txt":
		return &Loader{path: path, kind: kindCSV}, nil
	default:
		return nil, fmt.Errorf("unsupported input format: %s", filepath.Ext(path))
	}
}

// Iterate обходит записи файла в порядке строк, вызывая fn для каждой.
// Первая строка файла считается заголовком. Значения ячеек читаются как
// текст, чтобы не потерять ведущие нули в индексах и идентификаторах.
// Возврат ErrStopIteration из fn останавливает обход без ошибки.
func (l *Loader) Iterate(ctx context.Context, fn func(RawRecord) error) error {
	var err error
	switch l.kind {
	case kindExcel:
		err = l.iterateExcel(ctx, fn)
	case kindCSV:
		err = l.iterateCSV(ctx, fn)
	}
	if errors.Is(err, ErrStopIteration) {
		return nil
	}
	return err
}

func (l *Loader) iterateExcel(ctx context.Context, fn func(RawRecord) error) error {
	f, err := excelize.OpenFile(l.path)
	if err != nil {
		return fmt.Errorf("open excel file: %w", err)
	}
	defer f.Close()

	sheetName := f.GetSheetName(0)
	if sheetName == "" {
		return fmt.Errorf("no sheets found in %s", l.path)
	}

	rows, err := f.Rows(sheetName)
	if err != nil {
		return fmt.Errorf("open sheet %s: %w", sheetName, err)
	}
	defer rows.Close()

	var header []string
	index := 0
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cols, err := rows.Columns()
		if err != nil {
			return fmt.Errorf("read row: %w", err)
		}
		if header == nil {
			header = cols
			continue
		}
		if err := fn(buildRecord(header, cols, index)); err != nil {
			return err
		}
		index++
	}
	return rows.Error()
}

func (l *Loader) iterateCSV(ctx context.Context, fn func(RawRecord) error) error {
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("open csv file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read csv header: %w", err)
	}
	// Определяем разделитель: если заголовок пришел одной колонкой
	// с точками с запятой, перечитываем файл с ';'
	if len(header) == 1 && strings.Contains(header[0], ";") {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind csv: %w", err)
		}
		reader = csv.NewReader(f)
		reader.Comma = ';'
		reader.FieldsPerRecord = -1
		reader.LazyQuotes = true
		if header, err = reader.Read(); err != nil {
			return fmt.Errorf("read csv header: %w", err)
		}
	}

	index := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cols, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read csv row %d: %w", index, err)
		}
		if err := fn(buildRecord(header, cols, index)); err != nil {
			return err
		}
		index++
	}
}

// buildRecord собирает RawRecord из заголовка и значений строки.
// Хвостовые пустые ячейки Excel может не отдавать, поэтому длины не совпадают.
func buildRecord(header, cols []string, index int) RawRecord {
	fields := make(map[string]string, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		value := ""
		if i < len(cols) {
			value = cols[i]
		}
		fields[name] = value
	}
	return RawRecord{Index: index, Fields: fields}
}
