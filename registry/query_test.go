package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// buildFixture собирает маленький реестр во временном каталоге:
// два действующих юридических лица, одно закрытое, заведения в двух
// департаментах, одно закрытое заведение и одно заведение закрытого лица
func buildFixture(t *testing.T) (dbPath, partitionsRoot string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "registry.db")
	partitionsRoot = filepath.Join(dir, "partitions")

	b, err := NewBuilder(dbPath, partitionsRoot)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	defer b.Close()

	units := []struct{ siren, name, etat string }{
		{"313313313", "Carrefour", "A"},
		{"414414414", "Boulangerie Dupont", "A"},
		{"515515515", "Fermée SARL", "C"},
	}
	for _, u := range units {
		if err := b.AddLegalUnit(u.siren, u.name, u.etat); err != nil {
			t.Fatalf("AddLegalUnit(%s): %v", u.siren, err)
		}
	}

	establishments := []Establishment{
		{Siret: "31331331300011", Siren: "313313313", Postal: "69001", City: "Lyon", Address: "12 RUE DE LA PAIX", Etat: "A", IsSiege: true},
		{Siret: "31331331300022", Siren: "313313313", Postal: "75002", City: "Paris", Address: "8 AVENUE DE L'OPERA", Etat: "A"},
		{Siret: "31331331300033", Siren: "313313313", Postal: "69001", City: "Lyon", Address: "3 RUE FERMEE", Etat: "F"},
		{Siret: "41441441400017", Siren: "414414414", Postal: "69003", City: "Lyon", Address: "45 COURS LAFAYETTE", Etat: "A", IsSiege: true},
		{Siret: "51551551500019", Siren: "515515515", Postal: "69001", City: "Lyon", Address: "1 RUE ABSENTE", Etat: "A"},
	}
	for _, e := range establishments {
		if err := b.AddEstablishment(e); err != nil {
			t.Fatalf("AddEstablishment(%s): %v", e.Siret, err)
		}
	}

	if err := b.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return dbPath, partitionsRoot
}

func openFixture(t *testing.T) *Query {
	t.Helper()
	dbPath, partitionsRoot := buildFixture(t)
	q, err := Open(dbPath, partitionsRoot)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestDirectLookup(t *testing.T) {
	q := openFixture(t)
	ctx := context.Background()

	c, err := q.DirectLookup(ctx, "31331331300011")
	if err != nil {
		t.Fatalf("DirectLookup: %v", err)
	}
	if c == nil || c.OfficialName != "CARREFOUR" || !c.IsHeadOffice {
		t.Fatalf("DirectLookup = %+v, want head office CARREFOUR", c)
	}
	if c.Siren != "313313313" {
		t.Errorf("Siren = %q, want 313313313", c.Siren)
	}
}

func TestDirectLookup_ClosedEstablishment(t *testing.T) {
	q := openFixture(t)

	c, err := q.DirectLookup(context.Background(), "31331331300033")
	if err != nil {
		t.Fatalf("DirectLookup: %v", err)
	}
	if c != nil {
		t.Fatalf("closed establishment must not resolve, got %+v", c)
	}
}

func TestDirectLookup_ClosedLegalUnit(t *testing.T) {
	q := openFixture(t)

	c, err := q.DirectLookup(context.Background(), "51551551500019")
	if err != nil {
		t.Fatalf("DirectLookup: %v", err)
	}
	if c != nil {
		t.Fatalf("establishment of a closed legal unit must not resolve, got %+v", c)
	}
}

func TestDirectLookup_MalformedSiret(t *testing.T) {
	q := openFixture(t)

	for _, siret := range []string{"", "313313313", "3133133130001X", "313313313000111"} {
		if _, err := q.DirectLookup(context.Background(), siret); !errors.Is(err, ErrMalformedID) {
			t.Errorf("DirectLookup(%q) error = %v, want ErrMalformedID", siret, err)
		}
	}
}

func TestStrictLocalLookup(t *testing.T) {
	q := openFixture(t)
	ctx := context.Background()

	hits, err := q.StrictLocalLookup(ctx, "69001", "CARREFOUR")
	if err != nil {
		t.Fatalf("StrictLocalLookup: %v", err)
	}
	if len(hits) != 1 || hits[0].Siret != "31331331300011" {
		t.Fatalf("hits = %+v, want the one active 69001 establishment", hits)
	}

	// Опечатка в пределах допуска
	hits, err = q.StrictLocalLookup(ctx, "69001", "CARFOUR")
	if err != nil {
		t.Fatalf("StrictLocalLookup: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("typo within distance 3 should match, got %+v", hits)
	}

	// Другой индекс того же департамента не подходит
	hits, err = q.StrictLocalLookup(ctx, "69002", "CARREFOUR")
	if err != nil {
		t.Fatalf("StrictLocalLookup: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("postal must match exactly, got %+v", hits)
	}
}

func TestStrictLocalLookup_MissingPartition(t *testing.T) {
	q := openFixture(t)

	_, err := q.StrictLocalLookup(context.Background(), "98000", "ACME")
	if !errors.Is(err, ErrMissingPartition) {
		t.Fatalf("error = %v, want ErrMissingPartition", err)
	}
}

func TestFTSCandidates(t *testing.T) {
	q := openFixture(t)

	hits, err := q.FTSCandidates(context.Background(), "BOULANGERIE", 0)
	if err != nil {
		t.Fatalf("FTSCandidates: %v", err)
	}
	if len(hits) != 1 || hits[0].Siren != "414414414" {
		t.Fatalf("hits = %+v, want siren 414414414", hits)
	}

	hits, err = q.FTSCandidates(context.Background(), `FERMEE`, 0)
	if err != nil {
		t.Fatalf("FTSCandidates: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("closed legal units are not indexed, got %+v", hits)
	}
}

func TestFTSCandidates_EmptyToken(t *testing.T) {
	q := openFixture(t)

	hits, err := q.FTSCandidates(context.Background(), "  ", 0)
	if err != nil || hits != nil {
		t.Fatalf("blank token: hits=%v err=%v, want nil/nil", hits, err)
	}
}

func TestFetchEstablishments_DepartmentScope(t *testing.T) {
	q := openFixture(t)

	found, err := q.FetchEstablishments(context.Background(), []string{"313313313"}, DepartmentScope("69"))
	if err != nil {
		t.Fatalf("FetchEstablishments: %v", err)
	}
	if len(found) != 1 || found[0].Siret != "31331331300011" {
		t.Fatalf("found = %+v, want only the active dept-69 establishment", found)
	}
}

func TestFetchEstablishments_Nationwide(t *testing.T) {
	q := openFixture(t)

	found, err := q.FetchEstablishments(context.Background(), []string{"313313313", "515515515"}, NationwideScope())
	if err != nil {
		t.Fatalf("FetchEstablishments: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("found = %+v, want two active establishments of 313313313", found)
	}
	for _, c := range found {
		if c.Siren != "313313313" {
			t.Errorf("unexpected siren %s: closed legal unit leaked", c.Siren)
		}
	}
}

func TestFetchEstablishments_NoSirens(t *testing.T) {
	q := openFixture(t)

	found, err := q.FetchEstablishments(context.Background(), nil, NationwideScope())
	if err != nil || found != nil {
		t.Fatalf("empty input: found=%v err=%v, want nil/nil", found, err)
	}
}

func TestValidateSiret(t *testing.T) {
	if err := ValidateSiret("31331331300011"); err != nil {
		t.Errorf("valid siret rejected: %v", err)
	}
	for _, bad := range []string{"", "313313313", "3133133130001a"} {
		if err := ValidateSiret(bad); !errors.Is(err, ErrMalformedID) {
			t.Errorf("ValidateSiret(%q) = %v, want ErrMalformedID", bad, err)
		}
	}
}

func TestComposeAddress(t *testing.T) {
	got := ComposeAddress("12", " RUE ", "", "DE LA PAIX")
	if got != "12 RUE DE LA PAIX" {
		t.Errorf("ComposeAddress = %q", got)
	}
	if ComposeAddress("", "  ") != "" {
		t.Error("blank parts should compose to empty")
	}
}
