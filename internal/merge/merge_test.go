package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/ecoreservices/bulkboard/internal/dataset"
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

type member struct {
	name    string
	content string
}

func putArchive(t *testing.T, s storage.Store, sessionID string, index int, members ...member) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		w, err := zw.Create(m.name)
		if err != nil {
			t.Fatalf("create member: %v", err)
		}
		if _, err := w.Write([]byte(m.content)); err != nil {
			t.Fatalf("write member: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	key := fmt.Sprintf("%sscrape_results_%d.zip", job.SessionResultsPrefix(sessionID), index)
	if err := s.Put(context.Background(), key, buf.Bytes()); err != nil {
		t.Fatalf("put archive: %v", err)
	}
}

func successRows(t *testing.T, s storage.Store, key string) [][]string {
	t.Helper()
	data, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	ds, err := dataset.ParseBytes(data)
	if err != nil {
		t.Fatalf("parse %s: %v", key, err)
	}
	return ds.Rows
}

func TestSessionMergePreservesChunkOrder(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	// Written out of order on purpose.
	putArchive(t, s, "sess0001", 3, member{"result_3.csv", "name,email\ncarol,c@x.io\n"})
	putArchive(t, s, "sess0001", 1, member{"result_1.csv", "name,email\nalice,a@x.io\n"})
	putArchive(t, s, "sess0001", 2, member{"result_2.csv", "name,email\nbob,b@x.io\n"})

	res, err := Session(ctx, s, "sess0001", "contact_scraper", 3)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.SuccessfulChunks != 3 || res.TotalChunks != 3 {
		t.Errorf("ratio = %d/%d, want 3/3", res.SuccessfulChunks, res.TotalChunks)
	}
	if res.MergedRows != 3 {
		t.Errorf("merged rows = %d, want 3", res.MergedRows)
	}

	rows := successRows(t, s, job.MergedSuccessKey("sess0001"))
	want := []string{"alice", "bob", "carol"}
	for i, name := range want {
		if rows[i][0] != name {
			t.Errorf("row %d = %v, want %s first", i, rows[i], name)
		}
	}
}

func TestSessionMergeNumericArchiveOrder(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	// Lexically "_10.zip" sorts before "_2.zip"; chunk order must win.
	putArchive(t, s, "sess0002", 10, member{"result_10.csv", "v\nten\n"})
	putArchive(t, s, "sess0002", 2, member{"result_2.csv", "v\ntwo\n"})

	if _, err := Session(ctx, s, "sess0002", "contact_scraper", 10); err != nil {
		t.Fatalf("merge: %v", err)
	}

	rows := successRows(t, s, job.MergedSuccessKey("sess0002"))
	if rows[0][0] != "two" || rows[1][0] != "ten" {
		t.Errorf("rows = %v, want chunk 2 before chunk 10", rows)
	}
}

func TestSessionMergePartialCompletion(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	// Chunk 2 never produced an archive.
	putArchive(t, s, "sess0003", 1, member{"result_1.csv", "v\none\n"})
	putArchive(t, s, "sess0003", 3, member{"result_3.csv", "v\nthree\n"})

	res, err := Session(ctx, s, "sess0003", "contact_scraper", 3)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.SuccessfulChunks != 2 || res.TotalChunks != 3 {
		t.Errorf("ratio = %d/%d, want 2/3", res.SuccessfulChunks, res.TotalChunks)
	}

	rows := successRows(t, s, job.MergedSuccessKey("sess0003"))
	if len(rows) != 2 || rows[0][0] != "one" || rows[1][0] != "three" {
		t.Errorf("rows = %v, want chunk 1 rows then chunk 3 rows", rows)
	}
}

func TestSessionMergeCollectsFailures(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	putArchive(t, s, "sess0004", 1,
		member{"result_1.csv", "v\nok\n"},
		member{"failures_1.csv", "v,reason\nbad,no email\n"})

	res, err := Session(ctx, s, "sess0004", "contact_scraper", 1)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.FailureRows != 1 {
		t.Errorf("failure rows = %d, want 1", res.FailureRows)
	}
	if res.FailuresKey != job.MergedFailuresKey("sess0004") {
		t.Errorf("failures key = %q", res.FailuresKey)
	}

	rows := successRows(t, s, res.FailuresKey)
	if len(rows) != 1 || rows[0][0] != "bad" {
		t.Errorf("failure rows = %v", rows)
	}
}

func TestSessionMergeNothingToMerge(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	_, err := Session(ctx, s, "sess0005", "contact_scraper", 3)
	if !errors.Is(err, ErrNoChunksSucceeded) {
		t.Fatalf("expected ErrNoChunksSucceeded, got: %v", err)
	}

	for _, key := range []string{
		job.MergedSuccessKey("sess0005"),
		job.MergeManifestKey("sess0005"),
	} {
		ok, err := s.Exists(ctx, key)
		if err != nil {
			t.Fatalf("exists: %v", err)
		}
		if ok {
			t.Errorf("%s written despite empty merge", key)
		}
	}
}

func TestSessionMergeExcludesMismatchedHeader(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	putArchive(t, s, "sess0006", 1, member{"result_1.csv", "v\none\n"})
	putArchive(t, s, "sess0006", 2, member{"result_2.csv", "other_column\nx\n"})
	putArchive(t, s, "sess0006", 3, member{"result_3.csv", "v\nthree\n"})

	res, err := Session(ctx, s, "sess0006", "contact_scraper", 3)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.SuccessfulChunks != 2 {
		t.Errorf("successful = %d, want 2", res.SuccessfulChunks)
	}
	if len(res.ExcludedChunks) != 1 || res.ExcludedChunks[0] != 2 {
		t.Errorf("excluded = %v, want [2]", res.ExcludedChunks)
	}

	rows := successRows(t, s, job.MergedSuccessKey("sess0006"))
	if len(rows) != 2 || rows[0][0] != "one" || rows[1][0] != "three" {
		t.Errorf("rows = %v", rows)
	}

	var manifest Manifest
	if err := storage.GetJSON(ctx, s, res.ManifestKey, &manifest); err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if manifest.SuccessfulChunks != 2 || manifest.TotalChunks != 3 {
		t.Errorf("manifest ratio = %d/%d", manifest.SuccessfulChunks, manifest.TotalChunks)
	}
	if len(manifest.ExcludedChunks) != 1 || manifest.ExcludedChunks[0] != 2 {
		t.Errorf("manifest excluded = %v", manifest.ExcludedChunks)
	}
}

func TestSessionMergeIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	putArchive(t, s, "sess0007", 1, member{"result_1.csv", "v\none\n"})
	putArchive(t, s, "sess0007", 2, member{"result_2.csv", "v\ntwo\n"})

	if _, err := Session(ctx, s, "sess0007", "contact_scraper", 2); err != nil {
		t.Fatalf("first merge: %v", err)
	}
	first, err := s.Get(ctx, job.MergedSuccessKey("sess0007"))
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}

	if _, err := Session(ctx, s, "sess0007", "contact_scraper", 2); err != nil {
		t.Fatalf("second merge: %v", err)
	}
	second, err := s.Get(ctx, job.MergedSuccessKey("sess0007"))
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Error("re-merge produced a different artifact")
	}
}

func TestJobsMergeSkipsIncompleteChunks(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	layout := job.NewLayout("", "", "")

	jobs := []ChunkJob{
		{Index: 2, JobID: job.ChunkJobID("sess0008", 2), Completed: false},
		{Index: 3, JobID: job.ChunkJobID("sess0008", 3), Completed: true},
		{Index: 1, JobID: job.ChunkJobID("sess0008", 1), Completed: true},
	}
	for _, c := range jobs {
		if !c.Completed {
			continue
		}
		csv := fmt.Sprintf("v\nchunk%d\n", c.Index)
		if err := s.Put(ctx, layout.ResultsKey(c.JobID), []byte(csv)); err != nil {
			t.Fatalf("seed result: %v", err)
		}
	}

	res, err := Jobs(ctx, s, layout, "sess0008", "name_cleaner", jobs)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.SuccessfulChunks != 2 || res.TotalChunks != 3 {
		t.Errorf("ratio = %d/%d, want 2/3", res.SuccessfulChunks, res.TotalChunks)
	}
	if len(res.ExcludedChunks) != 1 || res.ExcludedChunks[0] != 2 {
		t.Errorf("excluded = %v, want [2]", res.ExcludedChunks)
	}
	if res.SuccessKey != layout.ResultsKey("sess0008") {
		t.Errorf("merged key = %q", res.SuccessKey)
	}

	rows := successRows(t, s, res.SuccessKey)
	if len(rows) != 2 || rows[0][0] != "chunk1" || rows[1][0] != "chunk3" {
		t.Errorf("rows = %v, want chunk order with chunk 2 skipped", rows)
	}
}

func TestJobsMergeNoCompletedChunks(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	layout := job.NewLayout("", "", "")

	jobs := []ChunkJob{
		{Index: 1, JobID: "sess0009_chunk_1"},
		{Index: 2, JobID: "sess0009_chunk_2"},
	}
	_, err := Jobs(ctx, s, layout, "sess0009", "name_cleaner", jobs)
	if !errors.Is(err, ErrNoChunksSucceeded) {
		t.Fatalf("expected ErrNoChunksSucceeded, got: %v", err)
	}
}
