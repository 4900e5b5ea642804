package checkpoint

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/brianvoe/gofakeit/v6"

	"suppliermatch/matcher"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "checkpoint.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_UpsertCommitVisibility(t *testing.T) {
	s := newTestStore(t)

	err := s.Upsert(matcher.MatchResult{
		InputID:      "A",
		Siret:        "50113813700013",
		OfficialName: "2B SYSTEM",
		Confidence:   1.0,
		Method:       matcher.MethodDirectID,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// До фиксации строка не видна читателям
	ids, err := s.ProcessedIDs(true)
	if err != nil {
		t.Fatalf("ProcessedIDs: %v", err)
	}
	if ids["A"] {
		t.Error("uncommitted row must not be visible")
	}

	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	ids, err = s.ProcessedIDs(true)
	if err != nil {
		t.Fatalf("ProcessedIDs: %v", err)
	}
	if !ids["A"] {
		t.Error("committed row must be visible")
	}
}

func TestStore_ProcessedIDsErrorModes(t *testing.T) {
	s := newTestStore(t)

	results := []matcher.MatchResult{
		{InputID: "ok", Siret: "50113813700013", Method: matcher.MethodDirectID, Confidence: 1.0},
		{InputID: "missing", Method: matcher.MethodNotFound},
		{InputID: "broken", Method: matcher.MethodError, Error: "registry.Error: disk i/o error"},
	}
	for _, r := range results {
		if err := s.Upsert(r); err != nil {
			t.Fatalf("Upsert(%s): %v", r.InputID, err)
		}
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	all, err := s.ProcessedIDs(true)
	if err != nil {
		t.Fatalf("ProcessedIDs(true): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all ids = %v, want 3 entries", all)
	}

	// Режим повтора ошибок: ошибочные строки не считаются обработанными,
	// NOT_FOUND считается
	noErrors, err := s.ProcessedIDs(false)
	if err != nil {
		t.Fatalf("ProcessedIDs(false): %v", err)
	}
	if noErrors["broken"] {
		t.Error("ERROR row must be excluded when includeErrors=false")
	}
	if !noErrors["ok"] || !noErrors["missing"] {
		t.Errorf("ids = %v, want ok and missing present", noErrors)
	}
}

func TestStore_UpsertOverwrites(t *testing.T) {
	s := newTestStore(t)

	first := matcher.MatchResult{InputID: "X", Method: matcher.MethodError, Error: "registry.Error: locked"}
	if err := s.Upsert(first); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Повторная обработка перезаписывает строку, не дублирует
	second := matcher.MatchResult{
		InputID: "X", Siret: "50113813700013", OfficialName: "2B SYSTEM",
		Confidence: 1.0, Method: matcher.MethodDirectID,
	}
	if err := s.Upsert(second); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1 row after overwrite", n)
	}

	var got Row
	if err := s.ForEach(func(r Row) error { got = r; return nil }); err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if got.Method != string(matcher.MethodDirectID) || got.Error != "" {
		t.Errorf("row = %+v, want the retried DIRECT_ID result", got)
	}
}

func TestStore_ReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Upsert(matcher.MatchResult{InputID: "A", Method: matcher.MethodNotFound}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	s.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	ids, err := reopened.ProcessedIDs(true)
	if err != nil {
		t.Fatalf("ProcessedIDs: %v", err)
	}
	if !ids["A"] {
		t.Error("row lost across reopen")
	}
}

func TestStore_CloseDropsUncommitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Upsert(matcher.MatchResult{InputID: "lost", Method: matcher.MethodNotFound}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	s.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	n, err := reopened.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, uncommitted batch must not survive", n)
	}
}

func TestExporter_CSV(t *testing.T) {
	s := newTestStore(t)
	gofakeit.Seed(7)

	results := []matcher.MatchResult{
		{
			InputID: "A1", Siret: "50113813700013", OfficialName: gofakeit.Company(),
			Confidence: 1.0, Method: matcher.MethodDirectID,
		},
		{
			InputID: "B2", Siret: "31331331300011", OfficialName: gofakeit.Company(),
			Confidence: 0.8, Method: matcher.MethodCalculated,
			Alternatives: []string{"21221221200015", "21221221200026"},
		},
		{InputID: "C3", Method: matcher.MethodError, Error: "registry.Error: disk i/o error"},
	}
	for _, r := range results {
		if err := s.Upsert(r); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	path := filepath.Join(t.TempDir(), "export.csv")
	if err := NewExporter(s).Export(path); err != nil {
		t.Fatalf("Export: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()
	reader := csv.NewReader(f)
	reader.Comma = ';'
	records, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("read export: %v", err)
	}

	if len(records) != 4 {
		t.Fatalf("export has %d lines, want header + 3 rows", len(records))
	}
	wantHeader := fmt.Sprintf("%v", exportColumns)
	if fmt.Sprintf("%v", records[0]) != wantHeader {
		t.Errorf("header = %v, want %v", records[0], exportColumns)
	}

	// Строки упорядочены по идентификатору
	if records[1][0] != "A1" || records[2][0] != "B2" || records[3][0] != "C3" {
		t.Errorf("row order = %s, %s, %s", records[1][0], records[2][0], records[3][0])
	}
	if records[1][3] != "1.00" || records[1][4] != "DIRECT_ID" {
		t.Errorf("direct row = %v", records[1])
	}
	if records[2][5] != `["21221221200015","21221221200026"]` {
		t.Errorf("alternatives cell = %q", records[2][5])
	}
	if records[3][6] == "" || records[3][1] != "" {
		t.Errorf("error row = %v, want empty siret and a non-empty error", records[3])
	}
}

func TestExporter_Excel(t *testing.T) {
	s := newTestStore(t)

	if err := s.Upsert(matcher.MatchResult{
		InputID: "A", Siret: "50113813700013", OfficialName: "2B SYSTEM",
		Confidence: 1.0, Method: matcher.MethodDirectID,
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	path := filepath.Join(t.TempDir(), "export.xlsx")
	if err := NewExporter(s).Export(path); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Fatalf("export workbook missing or empty: %v", err)
	}
}
