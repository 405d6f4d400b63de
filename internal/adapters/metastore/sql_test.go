package metastore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"hospitaletl/internal/core/domain"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "metadata", "metadata.db")
	s, err := Open(context.Background(), DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStore_LookupMissing(t *testing.T) {
	s := openTestStore(t)

	_, found, err := s.Lookup(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found {
		t.Error("expected not found")
	}
}

func TestSQLStore_CommitAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

	err := s.Commit(ctx, domain.CommitRequest{
		ID:            "A",
		Title:         "Hospital A",
		Fingerprint:   "v1",
		RawPath:       "/data/raw/A.csv",
		ProcessedPath: "/data/processed/A.csv",
		At:            at,
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rec, found, err := s.Lookup(ctx, "A")
	if err != nil || !found {
		t.Fatalf("Lookup: found=%v err=%v", found, err)
	}
	if rec.Fingerprint != "v1" || rec.Status != domain.StatusSuccess {
		t.Errorf("record = %+v", rec)
	}
	if rec.RawPath != "/data/raw/A.csv" || rec.ProcessedPath != "/data/processed/A.csv" {
		t.Errorf("paths = %q %q", rec.RawPath, rec.ProcessedPath)
	}
	if !rec.LastSuccess.Equal(at) {
		t.Errorf("LastSuccess = %v, want %v", rec.LastSuccess, at)
	}
}

func TestSQLStore_CommitOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, fp := range []string{"v1", "v2"} {
		if err := s.Commit(ctx, domain.CommitRequest{ID: "A", Fingerprint: fp, RawPath: "r-" + fp}); err != nil {
			t.Fatalf("Commit %s: %v", fp, err)
		}
	}

	rec, _, _ := s.Lookup(ctx, "A")
	if rec.Fingerprint != "v2" || rec.RawPath != "r-v2" {
		t.Errorf("record = %+v", rec)
	}
}

func TestSQLStore_MarkFailedKeepsFingerprint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Commit(ctx, domain.CommitRequest{ID: "A", Title: "Hospital A", Fingerprint: "v1", RawPath: "raw"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.MarkPending(ctx, "A", ""); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}
	if err := s.MarkFailed(ctx, "A", domain.KindDownloadFailed, errors.New("connection reset")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	rec, _, _ := s.Lookup(ctx, "A")
	if rec.Status != domain.StatusFailed {
		t.Errorf("Status = %q", rec.Status)
	}
	if rec.Fingerprint != "v1" || rec.RawPath != "raw" {
		t.Errorf("fingerprint/paths changed: %+v", rec)
	}
	if rec.Title != "Hospital A" {
		t.Errorf("Title = %q", rec.Title)
	}
	if rec.LastError != "connection reset" {
		t.Errorf("LastError = %q", rec.LastError)
	}

	// A later commit clears the error.
	if err := s.Commit(ctx, domain.CommitRequest{ID: "A", Fingerprint: "v2"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	rec, _, _ = s.Lookup(ctx, "A")
	if rec.LastError != "" || rec.Status != domain.StatusSuccess {
		t.Errorf("after commit: %+v", rec)
	}
}

func TestSQLStore_MarkPendingNewDataset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.MarkPending(ctx, "B", "Hospital B"); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}

	rec, found, err := s.Lookup(ctx, "B")
	if err != nil || !found {
		t.Fatalf("Lookup: found=%v err=%v", found, err)
	}
	if rec.Status != domain.StatusPending || rec.Fingerprint != "" || !rec.LastSuccess.IsZero() {
		t.Errorf("record = %+v", rec)
	}
}

func TestSQLStore_List(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.Commit(ctx, domain.CommitRequest{ID: "b", Fingerprint: "1"})
	_ = s.Commit(ctx, domain.CommitRequest{ID: "a", Fingerprint: "1"})
	_ = s.MarkFailed(ctx, "c", domain.KindTransformFailed, nil)

	recs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].ID != "a" || recs[1].ID != "b" || recs[2].ID != "c" {
		t.Errorf("order = %s %s %s", recs[0].ID, recs[1].ID, recs[2].ID)
	}
	if recs[2].LastError != string(domain.KindTransformFailed) {
		t.Errorf("LastError = %q", recs[2].LastError)
	}
}

func TestSQLStore_PersistsAcrossReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "metadata.db")
	ctx := context.Background()

	s, err := Open(ctx, DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Commit(ctx, domain.CommitRequest{ID: "A", Fingerprint: "v1"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	s.Close()

	s2, err := Open(ctx, DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	rec, found, _ := s2.Lookup(ctx, "A")
	if !found || rec.Fingerprint != "v1" {
		t.Errorf("record after reopen = %+v found=%v", rec, found)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "oracle", "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("rebind = %q", got)
	}
	lite := &SQLStore{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("rebind = %q", got)
	}
}
