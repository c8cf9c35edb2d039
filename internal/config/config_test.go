package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if _, ok := cfg.Tools["contact_scraper"]; !ok {
		t.Error("standard tool set missing contact_scraper")
	}
	if cfg.Batch.ChunkSize != 50 || cfg.Batch.MaxInFlight != 3 || cfg.Batch.MaxRetries != 2 {
		t.Errorf("unexpected batch defaults: %+v", cfg.Batch)
	}
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
storage:
  backend: mem
poll:
  interval_seconds: 2
tools:
  contact_scraper:
    bucket: override-bucket
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "mem" {
		t.Errorf("backend %q, want mem from file", cfg.Storage.Backend)
	}
	if cfg.Poll.IntervalSeconds != 2 {
		t.Errorf("interval %d, want 2 from file", cfg.Poll.IntervalSeconds)
	}
	if cfg.Poll.MaxWaitSeconds != 300 {
		t.Errorf("max wait %d, want default 300", cfg.Poll.MaxWaitSeconds)
	}
	if cfg.Tools["contact_scraper"].Bucket != "override-bucket" {
		t.Errorf("bucket %q, want file override", cfg.Tools["contact_scraper"].Bucket)
	}
	// normalize fills folder defaults for tools the file touched.
	if cfg.Tools["contact_scraper"].InputFolder != "input" {
		t.Errorf("input folder %q, want normalized default", cfg.Tools["contact_scraper"].InputFolder)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("BULKBOARD_CONFIG", "")
	t.Setenv("BULKBOARD_STORAGE_BACKEND", "mem")
	t.Setenv("BULKBOARD_CHUNK_SIZE", "100")
	t.Setenv("BULKBOARD_MAX_RETRIES", "0")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "mem" {
		t.Errorf("backend %q, want env override", cfg.Storage.Backend)
	}
	if cfg.Batch.ChunkSize != 100 {
		t.Errorf("chunk size %d, want 100", cfg.Batch.ChunkSize)
	}
	if cfg.Batch.MaxRetries != 0 {
		t.Errorf("max retries %d, want 0", cfg.Batch.MaxRetries)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "ftp"
	cfg.Poll.IntervalSeconds = 0
	cfg.Batch.ChunkSize = 5
	cfg.Tools["contact_scraper"] = ToolConfig{Name: "x", Bucket: "b", Mode: "turbo"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("want validation error")
	}
	for _, want := range []string{"storage.backend", "poll.interval_seconds", "batch.chunk_size", "tools.contact_scraper.mode"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s:\n%v", want, err)
		}
	}
}

func TestToolLookup(t *testing.T) {
	cfg := Default()
	if _, err := cfg.Tool("contact_scraper"); err != nil {
		t.Errorf("known tool: %v", err)
	}
	if _, err := cfg.Tool("nope"); err == nil {
		t.Error("unknown tool should error")
	}
}

func TestStorageForLocalKeepsBucketsApart(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "local"
	cfg.Storage.LocalDir = "/srv/bulkboard"

	sc := cfg.StorageFor(ToolConfig{Bucket: "scraper-bucket"})
	if sc.LocalDir != filepath.Join("/srv/bulkboard", "scraper-bucket") {
		t.Errorf("local dir %q not scoped per bucket", sc.LocalDir)
	}

	cfg.Storage.Backend = "mem"
	sc = cfg.StorageFor(ToolConfig{Bucket: "scraper-bucket"})
	if sc.LocalDir != "/srv/bulkboard" {
		t.Errorf("non-local backends must not rewrite local dir, got %q", sc.LocalDir)
	}
}
