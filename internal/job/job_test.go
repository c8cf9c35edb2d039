package job

import (
	"regexp"
	"testing"
	"time"
)

func TestNewIDShape(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	id := NewID(now)

	pattern := regexp.MustCompile(`^job_20250314_092653_[0-9a-f]{6}$`)
	if !pattern.MatchString(id) {
		t.Errorf("job id %q does not match expected shape", id)
	}
}

func TestNewIDNoCollisionWithinSameSecond(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := NewID(now)
		if seen[id] {
			t.Fatalf("duplicate job id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	if len(id) != 8 {
		t.Errorf("session id %q should be 8 characters", id)
	}
	if id == NewSessionID() && id == NewSessionID() {
		t.Error("session ids should not repeat")
	}
}

func TestLayoutKeys(t *testing.T) {
	l := NewLayout("", "", "")

	cases := []struct {
		got  string
		want string
	}{
		{l.InputKey("job_20250314_092653_ab12cd", "leads.csv"), "input/job_20250314_092653_ab12cd_leads.csv"},
		{l.StatusKey("job_20250314_092653_ab12cd"), "status/job_20250314_092653_ab12cd_status.json"},
		{l.ResultsKey("job_20250314_092653_ab12cd"), "results/job_20250314_092653_ab12cd_results.csv"},
		{l.ChunkResultsPrefix("abc12345"), "results/abc12345_chunk_"},
		{ChunkKey("abc12345", 3), "users/abc12345/chunks/chunk_3.csv"},
		{SessionChunksPrefix("abc12345"), "users/abc12345/chunks/"},
		{SessionResultsPrefix("abc12345"), "users/abc12345/results/"},
		{MergedSuccessKey("abc12345"), "users/abc12345/results/ALL_SUCCESS.csv"},
		{MergedFailuresKey("abc12345"), "users/abc12345/results/ALL_FAILURES.csv"},
		{MergeManifestKey("abc12345"), "users/abc12345/results/merge_manifest.json"},
		{SessionStateKey("abc12345"), "users/abc12345/session.json"},
		{RegistryKey("abc12345"), "registry/abc12345.json"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("got %q, want %q", c.got, c.want)
		}
	}
}

func TestLayoutCustomFolders(t *testing.T) {
	l := NewLayout("in", "out", "state")

	if got := l.InputKey("job_x", "a.csv"); got != "in/job_x_a.csv" {
		t.Errorf("input key: %q", got)
	}
	if got := l.StatusKey("job_x"); got != "state/job_x_status.json" {
		t.Errorf("status key: %q", got)
	}
	if got := l.ResultsKey("job_x"); got != "out/job_x_results.csv" {
		t.Errorf("results key: %q", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"leads.csv", "leads.csv"},
		{"/etc/passwd", "passwd"},
		{"../../escape.csv", "escape.csv"},
		{"dir\\sub\\file.csv", "file.csv"},
		{"..", "upload.csv"},
		{"", "upload.csv"},
	}
	for _, c := range cases {
		if got := SanitizeFilename(c.in); got != c.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusTimeout, StatusNotFound}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	live := []Status{StatusUploading, StatusPending, StatusProcessing}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
