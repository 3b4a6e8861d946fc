package patient

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func ptr(s string) *string { return &s }

func testRepository(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()

	a, err := repo.Create(ctx, CreateRequest{MRN: "MRN-1", FirstName: "Ada", LastName: "Lovelace", DateOfBirth: "1815-12-10"})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == "" || a.LastUpdated.IsZero() {
		t.Fatalf("created = %+v", a)
	}
	if _, err := repo.Create(ctx, CreateRequest{MRN: "MRN-1", FirstName: "X", LastName: "Y", DateOfBirth: "2000-01-01"}); !errors.Is(err, ErrMRNExists) {
		t.Fatalf("duplicate create = %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	b, err := repo.Create(ctx, CreateRequest{MRN: "MRN-2", FirstName: "Alan", LastName: "Turing", DateOfBirth: "1912-06-23"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := repo.Get(ctx, a.ID)
	if err != nil || got.MRN != "MRN-1" || got.FirstName != "Ada" {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	if _, err := repo.Get(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v", err)
	}
	if _, err := repo.Get(ctx, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(bad id) = %v", err)
	}

	list, err := repo.List(ctx)
	if err != nil || len(list) != 2 || list[0].ID != b.ID {
		t.Fatalf("List = %v, %v", list, err)
	}

	time.Sleep(5 * time.Millisecond)
	up, err := repo.Update(ctx, a.ID, UpdateRequest{FirstName: ptr("Augusta"), MedicalData: json.RawMessage(`{"note":"x"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if up.FirstName != "Augusta" || up.LastName != "Lovelace" || !up.LastUpdated.After(a.LastUpdated) {
		t.Errorf("partial update = %+v", up)
	}
	var md map[string]string
	if json.Unmarshal(up.MedicalData, &md) != nil || md["note"] != "x" {
		t.Errorf("medical_data = %s", up.MedicalData)
	}
	if list, _ := repo.List(ctx); list[0].ID != a.ID {
		t.Error("update did not move patient to the front")
	}
	if _, err := repo.Update(ctx, a.ID, UpdateRequest{MRN: ptr("MRN-2")}); !errors.Is(err, ErrMRNExists) {
		t.Errorf("update to taken MRN = %v", err)
	}
	if _, err := repo.Update(ctx, a.ID, UpdateRequest{MRN: ptr("MRN-1")}); err != nil {
		t.Errorf("update to own MRN = %v", err)
	}
	if _, err := repo.Update(ctx, "00000000-0000-0000-0000-000000000000", UpdateRequest{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing = %v", err)
	}

	if err := repo.Delete(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if err := repo.Delete(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v", err)
	}
}

func TestMemoryRepo(t *testing.T) {
	testRepository(t, NewMemoryRepo())
}

// TestPGRepo runs against a scratch database named by
// SCRIBE_TEST_DATABASE_URL.
func TestPGRepo(t *testing.T) {
	url := os.Getenv("SCRIBE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SCRIBE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS patients`); err != nil {
		t.Fatal(err)
	}
	if err := Migrate(ctx, pool); err != nil {
		t.Fatal(err)
	}
	testRepository(t, NewPGRepo(pool))
}

func TestMapPgErr(t *testing.T) {
	if !errors.Is(mapPgErr(pgx.ErrNoRows), ErrNotFound) {
		t.Error("no rows not mapped")
	}
	if !errors.Is(mapPgErr(&pgconn.PgError{Code: uniqueViolation}), ErrMRNExists) {
		t.Error("unique violation not mapped")
	}
	other := errors.New("boom")
	if mapPgErr(other) != other {
		t.Error("unrelated error changed")
	}
}

func TestValidate(t *testing.T) {
	good := CreateRequest{MRN: "1", FirstName: "A", LastName: "B", DateOfBirth: "2001-02-03"}
	if err := good.Validate(); err != nil {
		t.Fatal(err)
	}
	bad := CreateRequest{DateOfBirth: "03/02/2001"}
	if err := bad.Validate(); err == nil {
		t.Error("invalid create accepted")
	}
	if err := (UpdateRequest{MRN: ptr(" ")}).Validate(); err == nil {
		t.Error("blank MRN update accepted")
	}
	if err := (UpdateRequest{DateOfBirth: ptr("tomorrow")}).Validate(); err == nil {
		t.Error("bad date update accepted")
	}
}
