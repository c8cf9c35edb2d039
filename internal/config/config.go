// Package config loads bulkboard configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ecoreservices/bulkboard/internal/storage"
)

// Config is the root configuration for all bulkboard binaries.
type Config struct {
	Logging LoggingConfig         `yaml:"logging"`
	Storage StorageConfig         `yaml:"storage"`
	Tools   map[string]ToolConfig `yaml:"tools"`
	Poll    PollConfig            `yaml:"poll"`
	Batch   BatchConfig           `yaml:"batch"`
	Catalog CatalogConfig         `yaml:"catalog"`
	Metrics MetricsConfig         `yaml:"metrics"`
	Server  ServerConfig          `yaml:"server"`
}

type LoggingConfig struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
}

type StorageConfig struct {
	Backend  string `yaml:"backend"` // "gcs" | "s3" | "local" | "mem"
	Bucket   string `yaml:"bucket"`  // default bucket when a tool has none
	Prefix   string `yaml:"prefix"`  // optional key prefix inside every bucket
	LocalDir string `yaml:"local_dir"`
	Region   string `yaml:"region"`   // s3 only
	Endpoint string `yaml:"endpoint"` // s3 only, for non-AWS endpoints
}

// ToolConfig describes one worker-backed tool sharing the bulletin-board
// bucket contract.
type ToolConfig struct {
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	Bucket          string   `yaml:"bucket"`
	InputFolder     string   `yaml:"input_folder"`
	ResultsFolder   string   `yaml:"results_folder"`
	StatusFolder    string   `yaml:"status_folder"`
	Mode            string   `yaml:"mode"` // "session" | "jobs"
	RequiredColumns []string `yaml:"required_columns"`
}

type PollConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	MaxWaitSeconds  int `yaml:"max_wait_seconds"`
}

// Interval returns the poll interval as a duration.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// MaxWait returns the per-wait budget as a duration.
func (p PollConfig) MaxWait() time.Duration {
	return time.Duration(p.MaxWaitSeconds) * time.Second
}

type BatchConfig struct {
	ChunkSize   int `yaml:"chunk_size"`
	MaxInFlight int `yaml:"max_in_flight"`
	MaxRetries  int `yaml:"max_retries"`
}

type CatalogConfig struct {
	DSN string `yaml:"dsn"` // empty disables the catalog mirror
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
}

// ModeSession tracks chunk completion through the shared progress ledger.
// ModeJobs submits every chunk as an independent job with its own status record.
const (
	ModeSession = "session"
	ModeJobs    = "jobs"
)

// Default returns the built-in configuration, including the standard tool set.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Format: "text", Level: "info"},
		Storage: StorageConfig{
			Backend:  "local",
			LocalDir: "./data",
		},
		Tools: map[string]ToolConfig{
			"contact_scraper": {
				Name:        "Contact Scraper",
				Description: "Extract contact job profile",
				Bucket:      "contact-scraper-bucket",
				Mode:        ModeSession,
			},
			"name_cleaner": {
				Name:        "Name Cleaner",
				Description: "Clean and standardize company names",
				Bucket:      "name-cleaner-bucket",
				Mode:        ModeJobs,
			},
			"lead_search": {
				Name:        "Lead Search Agent",
				Description: "Find and validate business leads",
				Bucket:      "leadsearchagent",
				Mode:        ModeSession,
			},
			"company_relationship": {
				Name:        "Company Relationship Verifier",
				Description: "Verify company relationships using AI analysis",
				Bucket:      "companyrelationship",
				Mode:        ModeSession,
				RequiredColumns: []string{
					"ec_id", "provided_company", "contact_full_name",
					"Title", "linkedin_url", "experience_companies",
				},
			},
			"website_resolver": {
				Name:            "Website Resolver",
				Description:     "Verify company website relationships",
				Bucket:          "website-resolver-bucket",
				Mode:            ModeSession,
				RequiredColumns: []string{"Company_Name", "Company_Website"},
			},
		},
		Poll:    PollConfig{IntervalSeconds: 5, MaxWaitSeconds: 300},
		Batch:   BatchConfig{ChunkSize: 50, MaxInFlight: 3, MaxRetries: 2},
		Metrics: MetricsConfig{Enabled: false, Address: ":9090"},
		Server:  ServerConfig{Address: ":8080"},
	}
}

// Load reads configuration from the given YAML file (optional), layered over
// Default and under environment overrides. An empty path falls back to
// BULKBOARD_CONFIG, then to no file at all.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("BULKBOARD_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad loads configuration or exits the process.
func MustLoad(path string) Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.Logging.Format = getenvDefault("BULKBOARD_LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("BULKBOARD_LOG_LEVEL", cfg.Logging.Level)

	cfg.Storage.Backend = getenvDefault("BULKBOARD_STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.Bucket = getenvDefault("BULKBOARD_STORAGE_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.Prefix = getenvDefault("BULKBOARD_STORAGE_PREFIX", cfg.Storage.Prefix)
	cfg.Storage.LocalDir = getenvDefault("BULKBOARD_LOCAL_DIR", cfg.Storage.LocalDir)
	cfg.Storage.Region = getenvDefault("BULKBOARD_S3_REGION", cfg.Storage.Region)
	cfg.Storage.Endpoint = getenvDefault("BULKBOARD_S3_ENDPOINT", cfg.Storage.Endpoint)

	cfg.Poll.IntervalSeconds = getenvInt("BULKBOARD_POLL_INTERVAL", cfg.Poll.IntervalSeconds)
	cfg.Poll.MaxWaitSeconds = getenvInt("BULKBOARD_MAX_WAIT", cfg.Poll.MaxWaitSeconds)

	cfg.Batch.ChunkSize = getenvInt("BULKBOARD_CHUNK_SIZE", cfg.Batch.ChunkSize)
	cfg.Batch.MaxInFlight = getenvInt("BULKBOARD_MAX_IN_FLIGHT", cfg.Batch.MaxInFlight)
	cfg.Batch.MaxRetries = getenvInt("BULKBOARD_MAX_RETRIES", cfg.Batch.MaxRetries)

	cfg.Catalog.DSN = getenvDefault("BULKBOARD_CATALOG_DSN", cfg.Catalog.DSN)

	if v := os.Getenv("BULKBOARD_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	cfg.Metrics.Address = getenvDefault("BULKBOARD_METRICS_ADDR", cfg.Metrics.Address)
	cfg.Server.Address = getenvDefault("BULKBOARD_SERVER_ADDR", cfg.Server.Address)
}

// normalize fills per-tool defaults after file and env layers are applied.
func (c *Config) normalize() {
	for id, tool := range c.Tools {
		if tool.Name == "" {
			tool.Name = id
		}
		if tool.Bucket == "" {
			tool.Bucket = c.Storage.Bucket
		}
		if tool.InputFolder == "" {
			tool.InputFolder = "input"
		}
		if tool.ResultsFolder == "" {
			tool.ResultsFolder = "results"
		}
		if tool.StatusFolder == "" {
			tool.StatusFolder = "status"
		}
		if tool.Mode == "" {
			tool.Mode = ModeSession
		}
		c.Tools[id] = tool
	}
}

// Validate reports every configuration problem found, not just the first.
func (c *Config) Validate() error {
	var problems []string

	switch c.Storage.Backend {
	case "gcs", "s3", "local", "mem":
	default:
		problems = append(problems, fmt.Sprintf("storage.backend %q: must be one of gcs, s3, local, mem", c.Storage.Backend))
	}
	if c.Storage.Backend == "local" && c.Storage.LocalDir == "" {
		problems = append(problems, "storage.local_dir: required for the local backend")
	}

	if c.Poll.IntervalSeconds < 1 {
		problems = append(problems, fmt.Sprintf("poll.interval_seconds %d: must be at least 1", c.Poll.IntervalSeconds))
	}
	if c.Poll.MaxWaitSeconds < c.Poll.IntervalSeconds {
		problems = append(problems, fmt.Sprintf("poll.max_wait_seconds %d: must be at least the poll interval", c.Poll.MaxWaitSeconds))
	}

	if c.Batch.ChunkSize < 10 || c.Batch.ChunkSize > 1000 {
		problems = append(problems, fmt.Sprintf("batch.chunk_size %d: must be between 10 and 1000", c.Batch.ChunkSize))
	}
	if c.Batch.MaxInFlight < 1 {
		problems = append(problems, fmt.Sprintf("batch.max_in_flight %d: must be at least 1", c.Batch.MaxInFlight))
	}
	if c.Batch.MaxRetries < 0 {
		problems = append(problems, fmt.Sprintf("batch.max_retries %d: must not be negative", c.Batch.MaxRetries))
	}

	for id, tool := range c.Tools {
		if tool.Bucket == "" && c.Storage.Backend != "mem" {
			problems = append(problems, fmt.Sprintf("tools.%s.bucket: required when storage.bucket is empty", id))
		}
		if tool.Mode != ModeSession && tool.Mode != ModeJobs {
			problems = append(problems, fmt.Sprintf("tools.%s.mode %q: must be %q or %q", id, tool.Mode, ModeSession, ModeJobs))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// Tool returns the configuration for a tool id.
func (c *Config) Tool(id string) (ToolConfig, error) {
	tool, ok := c.Tools[id]
	if !ok {
		return ToolConfig{}, fmt.Errorf("%w: %s", ErrNoSuchTool, id)
	}
	return tool, nil
}

// StorageFor builds the storage configuration for one tool's bucket. The
// local backend keeps tools apart in per-bucket subdirectories.
func (c *Config) StorageFor(tool ToolConfig) storage.Config {
	sc := storage.Config{
		Backend:  c.Storage.Backend,
		Bucket:   tool.Bucket,
		Prefix:   c.Storage.Prefix,
		LocalDir: c.Storage.LocalDir,
		Region:   c.Storage.Region,
		Endpoint: c.Storage.Endpoint,
	}
	if sc.Backend == "local" && tool.Bucket != "" {
		sc.LocalDir = filepath.Join(c.Storage.LocalDir, tool.Bucket)
	}
	return sc
}

// ErrNoSuchTool is returned when a tool id is not configured.
var ErrNoSuchTool = fmt.Errorf("unknown tool")

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}
