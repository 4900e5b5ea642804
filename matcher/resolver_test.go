package matcher

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"suppliermatch/ai"
	"suppliermatch/loader"
	"suppliermatch/normalization"
	"suppliermatch/registry"
)

// buildFixtureRegistry собирает реестр для сквозных сценариев каскада
func buildFixtureRegistry(t *testing.T) *registry.Query {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "registry.db")
	partitionsRoot := filepath.Join(dir, "partitions")

	b, err := registry.NewBuilder(dbPath, partitionsRoot)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	defer b.Close()

	units := []struct{ siren, name string }{
		{"501138137", "2B System"},
		{"313313313", "Carrefour Market"},
		{"212212212", "Carrefour"},
	}
	for _, u := range units {
		if err := b.AddLegalUnit(u.siren, u.name, "A"); err != nil {
			t.Fatalf("AddLegalUnit(%s): %v", u.siren, err)
		}
	}

	establishments := []registry.Establishment{
		{Siret: "50113813700013", Siren: "501138137", Postal: "94626", City: "Rungis", Address: "3 AVENUE DU GENERAL DE GAULLE", Etat: "A", IsSiege: true},
		{Siret: "31331331300011", Siren: "313313313", Postal: "69001", City: "Lyon", Address: "10 RUE DE LA REPUBLIQUE", Etat: "A"},
		{Siret: "21221221200015", Siren: "212212212", Postal: "69002", City: "Lyon", Address: "1 PLACE BELLECOUR", Etat: "A", IsSiege: true},
		{Siret: "21221221200026", Siren: "212212212", Postal: "75001", City: "Paris", Address: "2 RUE DE RIVOLI", Etat: "A"},
		{Siret: "21221221200037", Siren: "212212212", Postal: "75001", City: "Paris", Address: "8 RUE SAINT-HONORE", Etat: "A"},
	}
	for _, e := range establishments {
		if err := b.AddEstablishment(e); err != nil {
			t.Fatalf("AddEstablishment(%s): %v", e.Siret, err)
		}
	}

	if err := b.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	q, err := registry.Open(dbPath, partitionsRoot)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

// stubArbiter модельный клиент со сценарным ответом арбитра;
// нормализация всегда возвращает ошибку и уводит на эвристику
type stubArbiter struct {
	choice string
	err    error
	calls  int
}

func (s *stubArbiter) CleanSupplier(ctx context.Context, record map[string]string) (*ai.CleanedFields, error) {
	return nil, fmt.Errorf("not scripted")
}

func (s *stubArbiter) Arbitrate(ctx context.Context, question string, a, b ai.ArbiterCandidate) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.choice, nil
}

func newTestResolver(t *testing.T, model ai.Client) *Resolver {
	t.Helper()
	return NewResolver(buildFixtureRegistry(t), normalization.New(nil, 64), model, 0)
}

func record(fields map[string]string) loader.RawRecord {
	return loader.RawRecord{Index: 0, Fields: fields}
}

func TestResolve_DirectID(t *testing.T) {
	r := newTestResolver(t, nil)

	got := r.Resolve(context.Background(), record(map[string]string{
		"Auxiliaire": "A",
		"Nom":        "2B SYSTEM SAS",
		"Code SIRET": "50113813700013",
		"Postal":     "94626",
	}))

	if got.Method != MethodDirectID {
		t.Fatalf("method = %s (%s), want DIRECT_ID", got.Method, got.Error)
	}
	if got.Siret != "50113813700013" || got.Confidence != 1.0 {
		t.Errorf("result = %+v, want siret 50113813700013 with confidence 1.0", got)
	}
}

// Прямой поиск доминирует над шумом в остальных полях
func TestResolve_DirectIDIgnoresNoise(t *testing.T) {
	r := newTestResolver(t, nil)

	got := r.Resolve(context.Background(), record(map[string]string{
		"Nom":        "TOTALLY WRONG NAME",
		"Code SIRET": "50113813700013",
		"Ville":      "NOWHERE",
	}))
	if got.Method != MethodDirectID || got.Siret != "50113813700013" {
		t.Fatalf("result = %+v, want DIRECT_ID despite noisy fields", got)
	}
}

func TestResolve_StrictLocal(t *testing.T) {
	r := newTestResolver(t, nil)

	got := r.Resolve(context.Background(), record(map[string]string{
		"Auxiliaire": "B",
		"Nom":        "Carfour Market SARL",
		"Postal":     "69001",
		"Ville":      "Lyon",
	}))

	if got.Method != MethodStrictLocal {
		t.Fatalf("method = %s (%s), want STRICT_LOCAL", got.Method, got.Error)
	}
	if got.Siret != "31331331300011" || got.Confidence != 0.95 {
		t.Errorf("result = %+v, want 31331331300011 with confidence 0.95", got)
	}
}

// Записи с городом без индекса тоже должны находиться (общенациональная
// выборка с фильтром по городу)
func TestResolve_CityOnlyFallback(t *testing.T) {
	r := newTestResolver(t, nil)

	got := r.Resolve(context.Background(), record(map[string]string{
		"Auxiliaire": "C",
		"Nom":        "Carrefour",
		"Postal":     "",
		"Ville":      "LYON",
	}))

	if got.Method != MethodCalculated {
		t.Fatalf("method = %s (%s), want CALCULATED", got.Method, got.Error)
	}
	if got.Siret != "21221221200015" {
		t.Errorf("siret = %s, want the Lyon head office", got.Siret)
	}
	if got.Confidence != 0.80 {
		t.Errorf("confidence = %f, want 0.80", got.Confidence)
	}
	if len(got.Alternatives) != 1 || got.Alternatives[0] != "31331331300011" {
		t.Errorf("alternatives = %v, want [31331331300011]", got.Alternatives)
	}
}

func TestResolve_NoLocation(t *testing.T) {
	r := newTestResolver(t, nil)

	got := r.Resolve(context.Background(), record(map[string]string{
		"Auxiliaire": "D",
		"Nom":        "Some Company",
	}))

	if got.Method != MethodNotFound {
		t.Fatalf("method = %s, want NOT_FOUND", got.Method)
	}
	if got.Confidence != 0.0 {
		t.Errorf("confidence = %f, want 0.0", got.Confidence)
	}
	if got.Debug["step"] != "NO_LOCATION" {
		t.Errorf("debug = %v, want step NO_LOCATION", got.Debug)
	}
}

func TestResolve_ArbiterChoosesB(t *testing.T) {
	model := &stubArbiter{choice: ai.ChoiceB}
	r := newTestResolver(t, model)

	got := r.Resolve(context.Background(), record(map[string]string{
		"Auxiliaire": "E",
		"Nom":        "Carrefour",
		"Postal":     "75001",
		"Ville":      "PARIS",
	}))

	if model.calls != 1 {
		t.Fatalf("arbiter called %d times, want 1 (method=%s error=%s)", model.calls, got.Method, got.Error)
	}
	if got.Method != MethodArbiter {
		t.Fatalf("method = %s, want ARBITER", got.Method)
	}
	if got.Siret != "21221221200037" {
		t.Errorf("siret = %s, want candidate B 21221221200037", got.Siret)
	}
	if len(got.Alternatives) != 1 || got.Alternatives[0] != "21221221200026" {
		t.Errorf("alternatives = %v, want the rejected candidate", got.Alternatives)
	}
}

func TestResolve_ArbiterUnavailableKeepsTop(t *testing.T) {
	model := &stubArbiter{err: fmt.Errorf("provider is down")}
	r := newTestResolver(t, model)

	got := r.Resolve(context.Background(), record(map[string]string{
		"Auxiliaire": "E2",
		"Nom":        "Carrefour",
		"Postal":     "75001",
		"Ville":      "PARIS",
	}))

	if got.Method != MethodCalculated {
		t.Fatalf("method = %s, want CALCULATED on arbiter failure", got.Method)
	}
	// Детерминированный порядок: равные оценки разрешаются меньшим SIRET
	if got.Siret != "21221221200026" {
		t.Errorf("siret = %s, want the automatic top 21221221200026", got.Siret)
	}
	if got.Confidence != 0.70 {
		t.Errorf("confidence = %f, want 0.70", got.Confidence)
	}
}

func TestResolve_ArbiterNoneKeepsTop(t *testing.T) {
	model := &stubArbiter{choice: ai.ChoiceNone}
	r := newTestResolver(t, model)

	got := r.Resolve(context.Background(), record(map[string]string{
		"Auxiliaire": "E3",
		"Nom":        "Carrefour",
		"Postal":     "75001",
		"Ville":      "PARIS",
	}))

	if got.Method != MethodCalculated || got.Siret != "21221221200026" {
		t.Fatalf("result = %+v, want CALCULATED with the automatic top", got)
	}
}

// Синтаксически корректный, но отсутствующий SIRET проходит мимо прямого
// поиска; без прочих полей запись завершается NOT_FOUND
func TestResolve_AbsentSiretFallsThrough(t *testing.T) {
	r := newTestResolver(t, nil)

	got := r.Resolve(context.Background(), record(map[string]string{
		"Auxiliaire": "F",
		"Code SIRET": "00000000000000",
	}))

	if got.Method != MethodNotFound {
		t.Fatalf("method = %s (%s), want NOT_FOUND", got.Method, got.Error)
	}
	if got.Debug["direct_lookup"] != "miss" {
		t.Errorf("debug = %v, want a recorded direct-lookup miss", got.Debug)
	}
}

// 9-значный SIREN не запускает прямой поиск и не дополняется до SIRET
func TestResolve_SirenNeverSynthesized(t *testing.T) {
	r := newTestResolver(t, nil)

	got := r.Resolve(context.Background(), record(map[string]string{
		"Auxiliaire": "G",
		"Code SIRET": "212212212",
		"Nom":        "Carrefour",
		"Ville":      "LYON",
	}))

	if got.Method != MethodCalculated {
		t.Fatalf("method = %s (%s), want CALCULATED via the cascade", got.Method, got.Error)
	}
	if _, ok := got.Debug["direct_lookup"]; ok {
		t.Error("direct lookup must not fire for a 9-digit identifier")
	}
}

func TestResolve_MissingPartitionIsRecordError(t *testing.T) {
	r := newTestResolver(t, nil)

	got := r.Resolve(context.Background(), record(map[string]string{
		"Auxiliaire": "H",
		"Nom":        "Acme Industries",
		"Postal":     "98000",
	}))

	if got.Method != MethodError {
		t.Fatalf("method = %s, want ERROR", got.Method)
	}
	if got.Error == "" || got.Confidence != 0.0 {
		t.Errorf("result = %+v, want a short error with zero confidence", got)
	}
}

func TestResolve_ConfidenceBounds(t *testing.T) {
	r := newTestResolver(t, nil)

	records := []map[string]string{
		{"Auxiliaire": "1", "Code SIRET": "50113813700013"},
		{"Auxiliaire": "2", "Nom": "Carfour Market SARL", "Postal": "69001"},
		{"Auxiliaire": "3", "Nom": "Carrefour", "Ville": "LYON"},
		{"Auxiliaire": "4", "Nom": "Some Company"},
		{"Auxiliaire": "5", "Nom": "Acme", "Postal": "98000"},
	}
	for _, fields := range records {
		got := r.Resolve(context.Background(), record(fields))
		if got.Confidence < 0.0 || got.Confidence > 1.0 {
			t.Errorf("%s: confidence %f out of [0,1]", got.InputID, got.Confidence)
		}
		if (got.Confidence == 1.0) != (got.Method == MethodDirectID) {
			t.Errorf("%s: confidence 1.0 must be equivalent to DIRECT_ID, got %s/%f", got.InputID, got.Method, got.Confidence)
		}
		if (got.Method == MethodNotFound || got.Method == MethodError) && got.Confidence != 0.0 {
			t.Errorf("%s: terminal method %s with confidence %f", got.InputID, got.Method, got.Confidence)
		}
		if (got.Method == MethodNotFound) != (got.Siret == "" && got.Error == "") {
			t.Errorf("%s: NOT_FOUND invariant violated: %+v", got.InputID, got)
		}
	}
}

// Повторное разрешение одной записи дает байт-в-байт одинаковый результат
func TestResolve_Deterministic(t *testing.T) {
	r := newTestResolver(t, nil)
	fields := map[string]string{"Auxiliaire": "X", "Nom": "Carrefour", "Postal": "75001", "Ville": "PARIS"}

	first := r.Resolve(context.Background(), record(fields))
	for i := 0; i < 3; i++ {
		again := r.Resolve(context.Background(), record(fields))
		if again.Siret != first.Siret || again.Method != first.Method || again.Confidence != first.Confidence {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
	}
}
