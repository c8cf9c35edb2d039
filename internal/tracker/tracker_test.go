package tracker

import (
	"context"
	"errors"
	"testing"

	"github.com/ecoreservices/bulkboard/internal/job"
	"github.com/ecoreservices/bulkboard/internal/storage"
)

func newTestTracker(t *testing.T) (*Tracker, storage.Store) {
	t.Helper()
	s, err := storage.New(context.Background(), storage.Config{Backend: "mem"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, job.NewLayout("", "", "")), s
}

func TestGetUnknownJobReturnsNotFound(t *testing.T) {
	tr, _ := newTestTracker(t)

	st, err := tr.Get(context.Background(), "job_20250101_000000_ffffff")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.Status != job.StatusNotFound {
		t.Errorf("status = %s, want %s", st.Status, job.StatusNotFound)
	}
	if st.JobID != "job_20250101_000000_ffffff" {
		t.Errorf("job id = %q", st.JobID)
	}
}

func TestMarkStatusThenGet(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	if err := tr.MarkStatus(ctx, "job_x", "contact_scraper", job.StatusPending, ""); err != nil {
		t.Fatalf("mark: %v", err)
	}

	st, err := tr.Get(ctx, "job_x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.Status != job.StatusPending {
		t.Errorf("status = %s, want pending", st.Status)
	}
	if st.Tool != "contact_scraper" {
		t.Errorf("tool = %q", st.Tool)
	}
	if st.Timestamp == "" || st.UpdatedAt == "" {
		t.Error("timestamps should be set")
	}
}

func TestCompletedWithoutResultObject(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	if err := tr.MarkStatus(ctx, "job_x", "contact_scraper", job.StatusCompleted, ""); err != nil {
		t.Fatalf("mark: %v", err)
	}

	st, err := tr.Get(ctx, "job_x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.Status != job.StatusCompleted {
		t.Errorf("status = %s", st.Status)
	}
	if st.ResultsReady {
		t.Error("results should not be ready without a result object")
	}
}

func TestCompletedWithResultObject(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()

	if err := s.Put(ctx, "results/job_x_results.csv", []byte("id\n1\n")); err != nil {
		t.Fatalf("put results: %v", err)
	}
	if err := tr.MarkStatus(ctx, "job_x", "contact_scraper", job.StatusCompleted, ""); err != nil {
		t.Fatalf("mark: %v", err)
	}

	st, err := tr.Get(ctx, "job_x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !st.ResultsReady {
		t.Fatal("results should be ready")
	}
	if st.ResultsKey != "results/job_x_results.csv" {
		t.Errorf("results key = %q", st.ResultsKey)
	}
	if st.ResultsURI == "" {
		t.Error("results uri should be set")
	}
}

func TestMarkStatusPreservesCreationTimestamp(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()

	seed := job.StatusRecord{
		JobID:     "job_x",
		Tool:      "contact_scraper",
		Status:    job.StatusPending,
		Timestamp: "2024-01-01T00:00:00Z",
		UpdatedAt: "2024-01-01T00:00:00Z",
	}
	if err := storage.PutJSON(ctx, s, "status/job_x_status.json", seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := tr.MarkStatus(ctx, "job_x", "contact_scraper", job.StatusProcessing, ""); err != nil {
		t.Fatalf("mark: %v", err)
	}

	st, err := tr.Get(ctx, "job_x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.Timestamp != "2024-01-01T00:00:00Z" {
		t.Errorf("creation timestamp not preserved: %q", st.Timestamp)
	}
	if st.UpdatedAt == "2024-01-01T00:00:00Z" {
		t.Error("updated_at should move on update")
	}
}

func TestGetMalformedStatusRecord(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()

	if err := s.Put(ctx, "status/job_x_status.json", []byte("{broken")); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, err := tr.Get(ctx, "job_x"); err == nil {
		t.Error("expected error for malformed status record")
	}
}

func TestFailedStatusCarriesError(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	if err := tr.MarkStatus(ctx, "job_x", "name_cleaner", job.StatusFailed, "upstream quota exceeded"); err != nil {
		t.Fatalf("mark: %v", err)
	}

	st, err := tr.Get(ctx, "job_x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.Status != job.StatusFailed {
		t.Errorf("status = %s", st.Status)
	}
	if st.Error != "upstream quota exceeded" {
		t.Errorf("error = %q", st.Error)
	}
}

func TestFetchResults(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()

	if _, err := tr.FetchResults(ctx, "job_x"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}

	if err := s.Put(ctx, "results/job_x_results.csv", []byte("id\n1\n")); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := tr.FetchResults(ctx, "job_x")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != "id\n1\n" {
		t.Errorf("data = %q", data)
	}
}
