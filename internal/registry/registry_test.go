package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ecoreservices/bulkboard/internal/job"
	"github.com/ecoreservices/bulkboard/internal/storage"
)

func openMem(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.New(context.Background(), storage.Config{Backend: "mem"})
	if err != nil {
		t.Fatalf("open mem store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type recordingCatalog struct {
	mu      sync.Mutex
	entries []Entry
	fail    bool
}

func (c *recordingCatalog) Record(_ context.Context, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("catalog unavailable")
	}
	c.entries = append(c.entries, e)
	return nil
}

func (c *recordingCatalog) Close() error { return nil }

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := New(openMem(t), nil)

	e := Entry{
		ID:       "abc12345",
		Kind:     KindSession,
		Tool:     "contact_scraper",
		Prefix:   "users/abc12345/",
		Filename: "leads.csv",
	}
	if err := r.Put(ctx, e); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := r.Get(ctx, "abc12345")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != KindSession || got.Tool != "contact_scraper" || got.Prefix != "users/abc12345/" {
		t.Errorf("entry = %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should be filled on put")
	}
}

func TestGetUnknownID(t *testing.T) {
	r := New(openMem(t), nil)

	_, err := r.Get(context.Background(), "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestPutRequiresID(t *testing.T) {
	r := New(openMem(t), nil)

	if err := r.Put(context.Background(), Entry{Kind: KindJob}); err == nil {
		t.Fatal("expected error for entry without id")
	}
}

func TestRecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	r := New(openMem(t), nil)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"aaa", "bbb", "ccc"} {
		e := Entry{
			ID:        id,
			Kind:      KindJob,
			Tool:      "name_cleaner",
			Prefix:    "input/",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := r.Put(ctx, e); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	entries, err := r.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].ID != "ccc" || entries[1].ID != "bbb" || entries[2].ID != "aaa" {
		t.Errorf("order = %s, %s, %s", entries[0].ID, entries[1].ID, entries[2].ID)
	}

	limited, err := r.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent limited: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "ccc" {
		t.Errorf("limited = %+v", limited)
	}
}

func TestRecentSkipsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	r := New(s, nil)

	if err := r.Put(ctx, Entry{ID: "good1", Kind: KindJob, Tool: "t", Prefix: "p"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, job.RegistryKey("broken"), []byte("not json")); err != nil {
		t.Fatalf("seed corrupt entry: %v", err)
	}

	entries, err := r.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "good1" {
		t.Errorf("entries = %+v, want just good1", entries)
	}
}

func TestPutMirrorsToCatalog(t *testing.T) {
	catalog := &recordingCatalog{}
	r := New(openMem(t), catalog)

	if err := r.Put(context.Background(), Entry{ID: "xyz", Kind: KindSession, Tool: "t", Prefix: "p"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	if len(catalog.entries) != 1 || catalog.entries[0].ID != "xyz" {
		t.Errorf("catalog entries = %+v", catalog.entries)
	}
}

func TestCatalogFailureDoesNotFailPut(t *testing.T) {
	ctx := context.Background()
	r := New(openMem(t), &recordingCatalog{fail: true})

	if err := r.Put(ctx, Entry{ID: "xyz", Kind: KindJob, Tool: "t", Prefix: "p"}); err != nil {
		t.Fatalf("put should survive catalog failure: %v", err)
	}
	if _, err := r.Get(ctx, "xyz"); err != nil {
		t.Fatalf("bucket write should have landed: %v", err)
	}
}

func TestNewCatalogEmptyDSN(t *testing.T) {
	c, err := NewCatalog(context.Background(), "")
	if err != nil {
		t.Fatalf("empty DSN should disable the catalog: %v", err)
	}
	if err := c.Record(context.Background(), Entry{ID: "x"}); err != nil {
		t.Errorf("noop record: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("noop close: %v", err)
	}
}
