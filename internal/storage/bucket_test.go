package storage

import (
	"context"
	"errors"
	"testing"
)

func openMem(t *testing.T) Store {
	t.Helper()
	s, err := New(context.Background(), Config{Backend: "mem"})
	if err != nil {
		t.Fatalf("open mem store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	want := []byte("id,name\n1,acme\n")
	if err := s.Put(ctx, "input/job_1_test.csv", want); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, "input/job_1_test.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s := openMem(t)

	_, err := s.Get(context.Background(), "status/nope_status.json")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestExists(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "results/job_1_results.csv")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Error("key should not exist yet")
	}

	if err := s.Put(ctx, "results/job_1_results.csv", []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}

	ok, err = s.Exists(ctx, "results/job_1_results.csv")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !ok {
		t.Error("key should exist after put")
	}
}

func TestListReturnsKeysUnderPrefix(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	for _, key := range []string{
		"users/abc12345/chunks/chunk_2.csv",
		"users/abc12345/chunks/chunk_1.csv",
		"users/abc12345/results/scrape_results_1.zip",
		"users/other999/chunks/chunk_1.csv",
	} {
		if err := s.Put(ctx, key, []byte("data")); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	keys, err := s.List(ctx, "users/abc12345/chunks/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{
		"users/abc12345/chunks/chunk_1.csv",
		"users/abc12345/chunks/chunk_2.csv",
	}
	if len(keys) != len(want) {
		t.Fatalf("got %d keys, want %d: %v", len(keys), len(want), keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestDeleteAbsentKeyIsNoError(t *testing.T) {
	s := openMem(t)

	if err := s.Delete(context.Background(), "input/never_written.csv"); err != nil {
		t.Errorf("delete absent key: %v", err)
	}
}

func TestJSONHelpers(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	type record struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}

	in := record{JobID: "job_20250101_120000_abc123", Status: "pending"}
	if err := PutJSON(ctx, s, "status/x_status.json", in); err != nil {
		t.Fatalf("put json: %v", err)
	}

	var out record
	if err := GetJSON(ctx, s, "status/x_status.json", &out); err != nil {
		t.Fatalf("get json: %v", err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}

	if err := s.Put(ctx, "status/bad_status.json", []byte("{not json")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := GetJSON(ctx, s, "status/bad_status.json", &out); err == nil {
		t.Error("expected parse error for malformed JSON")
	}
}

func TestLocalBackendLifecycle(t *testing.T) {
	dir := t.TempDir()

	s, err := New(context.Background(), Config{Backend: "local", LocalDir: dir})
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Put(ctx, "progress.jsonl", []byte(`{"run_id":"abc"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, "progress.jsonl")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"run_id":"abc"}` {
		t.Errorf("unexpected content: %q", got)
	}

	if err := s.Delete(ctx, "progress.jsonl"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := s.Exists(ctx, "progress.jsonl"); ok {
		t.Error("key should be gone after delete")
	}
}

func TestUnknownBackendRejected(t *testing.T) {
	_, err := New(context.Background(), Config{Backend: "ftp"})
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
