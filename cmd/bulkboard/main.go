package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/ecoreservices/bulkboard/internal/batch"
	"github.com/ecoreservices/bulkboard/internal/config"
	"github.com/ecoreservices/bulkboard/internal/dataset"
	"github.com/ecoreservices/bulkboard/internal/export"
	"github.com/ecoreservices/bulkboard/internal/job"
	"github.com/ecoreservices/bulkboard/internal/logging"
	"github.com/ecoreservices/bulkboard/internal/merge"
	"github.com/ecoreservices/bulkboard/internal/monitor"
	"github.com/ecoreservices/bulkboard/internal/registry"
	"github.com/ecoreservices/bulkboard/internal/rules"
	"github.com/ecoreservices/bulkboard/internal/storage"
	"github.com/ecoreservices/bulkboard/internal/submit"
	"github.com/ecoreservices/bulkboard/internal/tracker"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errTimeout marks outcomes that exit with code 2 instead of 1.
var errTimeout = errors.New("timed out")

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "submit":
		err = cmdSubmit(args)
	case "status":
		err = cmdStatus(args)
	case "watch":
		err = cmdWatch(args)
	case "fetch":
		err = cmdFetch(args)
	case "batch":
		err = cmdBatch(args)
	case "resume":
		err = cmdResume(args)
	case "progress":
		err = cmdProgress(args)
	case "registry":
		err = cmdRegistry(args)
	case "rules":
		err = cmdRules(args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, errTimeout) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `bulkboard %s - bulk dataset submission over the shared worker bucket

Usage:
  bulkboard <command> [flags]

Commands:
  submit    upload one CSV as a single job           (-tool, -file)
  status    print a job's status record              (-tool, -id)
  watch     wait for a job's terminal state          (-tool, -id)
  fetch     download job results                     (-tool, -id, -out, -format)
  batch     run a dataset as a chunked batch         (-tool, -file, -chunk-size, -mode)
  resume    re-enter an interrupted batch            (-id, optional -tool)
  progress  one-shot completion count for a session  (-id, optional -tool)
  registry  list recent jobs and sessions            (-limit, optional -tool)
  rules     get | set | reset the processing rules   (-tool, -file)

Every command accepts -config pointing at a YAML file; BULKBOARD_*
environment variables override it.

Exit codes: 0 success, 1 failure, 2 timed out.
`, version)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func setup(cfgPath string) (config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, err
	}
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	return cfg, nil
}

// toolClient bundles the per-tool plumbing one CLI invocation needs.
type toolClient struct {
	tool    config.ToolConfig
	store   storage.Store
	layout  job.Layout
	reg     *registry.Registry
	sub     *submit.Submitter
	trk     *tracker.Tracker
	mon     *monitor.Monitor
	catalog registry.Catalog
}

func openTool(ctx context.Context, cfg config.Config, toolID string) (*toolClient, error) {
	tool, err := cfg.Tool(toolID)
	if err != nil {
		return nil, err
	}

	store, err := storage.New(ctx, cfg.StorageFor(tool))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	catalog, err := registry.NewCatalog(ctx, cfg.Catalog.DSN)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	layout := job.NewLayout(tool.InputFolder, tool.ResultsFolder, tool.StatusFolder)
	reg := registry.New(store, catalog)
	trk := tracker.New(store, layout)
	return &toolClient{
		tool:    tool,
		store:   store,
		layout:  layout,
		reg:     reg,
		sub:     submit.New(store, layout, toolID, reg),
		trk:     trk,
		mon:     monitor.New(trk, store, cfg.Poll.Interval(), cfg.Poll.MaxWait()),
		catalog: catalog,
	}, nil
}

func (c *toolClient) Close() {
	c.store.Close()
	c.catalog.Close()
}

func toolIDs(cfg config.Config) []string {
	ids := make([]string, 0, len(cfg.Tools))
	for id := range cfg.Tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func cmdSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML config")
	toolID := fs.String("tool", "", "tool id (required)")
	file := fs.String("file", "", "input CSV path (required)")
	fs.Parse(args)
	if *toolID == "" || *file == "" {
		return errors.New("submit needs -tool and -file")
	}

	cfg, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	c, err := openTool(ctx, cfg, *toolID)
	if err != nil {
		return err
	}
	defer c.Close()

	payload, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	ds, err := dataset.ParseBytes(payload)
	if err != nil {
		return fmt.Errorf("parse dataset: %w", err)
	}
	if len(c.tool.RequiredColumns) > 0 {
		if err := ds.RequireColumns(c.tool.RequiredColumns...); err != nil {
			return fmt.Errorf("dataset rejected: %w", err)
		}
	}

	jobID, err := c.sub.Submit(ctx, payload, filepath.Base(*file))
	if err != nil {
		return err
	}
	fmt.Printf("job_id:  %s\n", jobID)
	fmt.Printf("rows:    %d\n", ds.RowCount())
	fmt.Printf("status:  %s\n", c.store.URI(c.layout.StatusKey(jobID)))
	return nil
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML config")
	toolID := fs.String("tool", "", "tool id (required)")
	id := fs.String("id", "", "job id (required)")
	fs.Parse(args)
	if *toolID == "" || *id == "" {
		return errors.New("status needs -tool and -id")
	}

	cfg, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	c, err := openTool(ctx, cfg, *toolID)
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.trk.Get(ctx, *id)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func cmdWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML config")
	toolID := fs.String("tool", "", "tool id (required)")
	id := fs.String("id", "", "job id (required)")
	fs.Parse(args)
	if *toolID == "" || *id == "" {
		return errors.New("watch needs -tool and -id")
	}

	cfg, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	c, err := openTool(ctx, cfg, *toolID)
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.mon.WaitForTerminal(ctx, *id)
	if err != nil {
		return err
	}
	if err := printJSON(st); err != nil {
		return err
	}

	switch st.Status {
	case job.StatusCompleted:
		return nil
	case job.StatusTimeout:
		return fmt.Errorf("%w after %s", errTimeout, cfg.Poll.MaxWait())
	case job.StatusNotFound:
		return fmt.Errorf("job %s not found", *id)
	default:
		if st.Error != "" {
			return fmt.Errorf("job %s failed: %s", *id, st.Error)
		}
		return fmt.Errorf("job %s failed", *id)
	}
}

func cmdFetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML config")
	toolID := fs.String("tool", "", "tool id (required)")
	id := fs.String("id", "", "job id (required)")
	out := fs.String("out", "", "output path (default: <id>_results.<format>)")
	format := fs.String("format", "csv", "output format: csv or xlsx")
	fs.Parse(args)
	if *toolID == "" || *id == "" {
		return errors.New("fetch needs -tool and -id")
	}
	if *format != "csv" && *format != "xlsx" {
		return fmt.Errorf("unknown format %q, want csv or xlsx", *format)
	}

	cfg, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	c, err := openTool(ctx, cfg, *toolID)
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.trk.Get(ctx, *id)
	if err != nil {
		return err
	}
	switch st.Status {
	case job.StatusCompleted:
	case job.StatusNotFound:
		return fmt.Errorf("job %s not found", *id)
	default:
		return fmt.Errorf("job %s is %s, results not available", *id, st.Status)
	}

	data, err := c.trk.FetchResults(ctx, *id)
	if err != nil {
		return fmt.Errorf("fetch results: %w", err)
	}
	if *format == "xlsx" {
		ds, err := dataset.ParseBytes(data)
		if err != nil {
			return fmt.Errorf("convert results: %w", err)
		}
		if data, err = export.XLSX(ds, "Results"); err != nil {
			return fmt.Errorf("convert results: %w", err)
		}
	}

	path := *out
	if path == "" {
		path = fmt.Sprintf("%s_results.%s", *id, *format)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d bytes)\n", path, len(data))
	return nil
}

func cmdBatch(args []string) error {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML config")
	toolID := fs.String("tool", "", "tool id (required)")
	file := fs.String("file", "", "input CSV path (required)")
	chunkSize := fs.Int("chunk-size", 0, "rows per chunk (default: configured batch.chunk_size)")
	mode := fs.String("mode", "", "session or jobs (default: the tool's mode)")
	fs.Parse(args)
	if *toolID == "" || *file == "" {
		return errors.New("batch needs -tool and -file")
	}
	if *mode != "" && *mode != config.ModeSession && *mode != config.ModeJobs {
		return fmt.Errorf("unknown mode %q", *mode)
	}

	cfg, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	c, err := openTool(ctx, cfg, *toolID)
	if err != nil {
		return err
	}
	defer c.Close()

	runner, err := batch.New(cfg, *toolID, c.store, c.reg)
	if err != nil {
		return err
	}
	payload, err := os.ReadFile(*file)
	if err != nil {
		return err
	}

	out, err := runner.Run(ctx, payload, filepath.Base(*file), batch.Options{
		ChunkSize: *chunkSize,
		Mode:      *mode,
	})
	if err != nil {
		return err
	}
	printOutcome(c, out)
	return outcomeErr(out)
}

func cmdResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML config")
	toolID := fs.String("tool", "", "tool id (default: search every tool)")
	id := fs.String("id", "", "session id (required)")
	fs.Parse(args)
	if *id == "" {
		return errors.New("resume needs -id")
	}

	cfg, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	candidates := []string{*toolID}
	if *toolID == "" {
		candidates = toolIDs(cfg)
	}
	for _, tid := range candidates {
		c, err := openTool(ctx, cfg, tid)
		if err != nil {
			return err
		}
		if _, err := c.reg.Get(ctx, *id); errors.Is(err, storage.ErrNotFound) && *toolID == "" {
			c.Close()
			continue
		}
		defer c.Close()

		out, err := batch.Resume(ctx, cfg, c.store, c.reg, *id)
		if err != nil {
			return err
		}
		printOutcome(c, out)
		return outcomeErr(out)
	}
	return fmt.Errorf("session %s not found in any tool bucket", *id)
}

func cmdProgress(args []string) error {
	fs := flag.NewFlagSet("progress", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML config")
	toolID := fs.String("tool", "", "tool id (default: search every tool)")
	id := fs.String("id", "", "session id (required)")
	fs.Parse(args)
	if *id == "" {
		return errors.New("progress needs -id")
	}

	cfg, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	candidates := []string{*toolID}
	if *toolID == "" {
		candidates = toolIDs(cfg)
	}
	for _, tid := range candidates {
		c, err := openTool(ctx, cfg, tid)
		if err != nil {
			return err
		}

		state, completed, err := batch.Progress(ctx, c.store, c.layout, *id)
		if errors.Is(err, storage.ErrNotFound) && *toolID == "" {
			c.Close()
			continue
		}
		if err != nil {
			c.Close()
			return err
		}
		defer c.Close()

		fmt.Printf("session:  %s\n", state.SessionID)
		fmt.Printf("tool:     %s\n", state.Tool)
		fmt.Printf("mode:     %s\n", state.Mode)
		fmt.Printf("chunks:   %d/%d completed\n", completed, state.TotalChunks)
		fmt.Printf("rows:     %d\n", state.TotalRows)
		fmt.Printf("updated:  %s\n", state.UpdatedAt.Format(time.RFC3339))

		var man merge.Manifest
		if err := storage.GetJSON(ctx, c.store, job.MergeManifestKey(*id), &man); err == nil {
			fmt.Printf("merged:   %d rows from %d/%d chunks\n",
				man.MergedRows, man.SuccessfulChunks, man.TotalChunks)
			fmt.Printf("success:  %s\n", c.store.URI(job.MergedSuccessKey(*id)))
		}
		return nil
	}
	return fmt.Errorf("session %s not found in any tool bucket", *id)
}

func cmdRegistry(args []string) error {
	fs := flag.NewFlagSet("registry", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML config")
	toolID := fs.String("tool", "", "tool id (default: every tool)")
	limit := fs.Int("limit", 20, "max entries to list")
	fs.Parse(args)

	cfg, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	candidates := []string{*toolID}
	if *toolID == "" {
		candidates = toolIDs(cfg)
	}
	var entries []registry.Entry
	for _, tid := range candidates {
		c, err := openTool(ctx, cfg, tid)
		if err != nil {
			return err
		}
		part, err := c.reg.Recent(ctx, *limit)
		c.Close()
		if err != nil {
			return fmt.Errorf("read registry for %s: %w", tid, err)
		}
		entries = append(entries, part...)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if len(entries) > *limit {
		entries = entries[:*limit]
	}

	if len(entries) == 0 {
		fmt.Println("no entries")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%-34s %-8s %-22s %-21s %s\n",
			e.ID, e.Kind, e.Tool, e.CreatedAt.Format("2006-01-02T15:04:05Z"), e.Filename)
	}
	return nil
}

func cmdRules(args []string) error {
	if len(args) < 1 {
		return errors.New("rules needs an action: get, set, or reset")
	}
	action := args[0]

	fs := flag.NewFlagSet("rules "+action, flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML config")
	toolID := fs.String("tool", "", "tool id (required)")
	file := fs.String("file", "", "rules document JSON, as printed by rules get (set only)")
	fs.Parse(args[1:])
	if *toolID == "" {
		return errors.New("rules needs -tool")
	}

	cfg, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	c, err := openTool(ctx, cfg, *toolID)
	if err != nil {
		return err
	}
	defer c.Close()

	switch action {
	case "get":
		doc, err := rules.Load(ctx, c.store)
		if err != nil {
			return err
		}
		return printJSON(doc)
	case "set":
		if *file == "" {
			return errors.New("rules set needs -file")
		}
		data, err := os.ReadFile(*file)
		if err != nil {
			return err
		}
		if err := rules.Validate(data); err != nil {
			return err
		}
		var doc rules.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse rules document: %w", err)
		}
		saved, err := rules.Save(ctx, c.store, doc.Rules)
		if err != nil {
			return err
		}
		fmt.Printf("rules updated (version %s)\n", saved.Version)
		return nil
	case "reset":
		doc, err := rules.Reset(ctx, c.store)
		if err != nil {
			return err
		}
		fmt.Printf("rules reset to defaults (version %s)\n", doc.Version)
		return nil
	default:
		return fmt.Errorf("unknown rules action %q, want get, set, or reset", action)
	}
}

func printOutcome(c *toolClient, out *batch.Outcome) {
	if out.JobID != "" {
		fmt.Printf("job_id:   %s\n", out.JobID)
		fmt.Printf("status:   %s\n", out.Status)
		if out.ResultsKey != "" {
			fmt.Printf("results:  %s\n", c.store.URI(out.ResultsKey))
		}
		fmt.Printf("elapsed:  %s\n", out.Elapsed.Round(time.Millisecond))
		return
	}

	fmt.Printf("session:  %s\n", out.SessionID)
	fmt.Printf("chunks:   %d/%d completed\n", out.Completed, out.TotalChunks)
	if out.Merge != nil {
		fmt.Printf("rows:     %d merged, %d failures\n", out.Merge.MergedRows, out.Merge.FailureRows)
		if len(out.Merge.ExcludedChunks) > 0 {
			fmt.Printf("excluded: %v\n", out.Merge.ExcludedChunks)
		}
		fmt.Printf("success:  %s\n", c.store.URI(out.Merge.SuccessKey))
		if out.Merge.FailureRows > 0 {
			fmt.Printf("failures: %s\n", c.store.URI(out.Merge.FailuresKey))
		}
	}
	fmt.Printf("elapsed:  %s\n", out.Elapsed.Round(time.Millisecond))
}

// outcomeErr maps a finished run to the process exit contract.
func outcomeErr(out *batch.Outcome) error {
	if out.JobID != "" {
		switch out.Status {
		case job.StatusCompleted:
			return nil
		case job.StatusTimeout:
			return fmt.Errorf("%w waiting for job %s", errTimeout, out.JobID)
		case job.StatusNotFound:
			return fmt.Errorf("job %s not found", out.JobID)
		default:
			return fmt.Errorf("job %s failed", out.JobID)
		}
	}
	if out.Completed < out.TotalChunks {
		return fmt.Errorf("%w: %d of %d chunks incomplete; retry with: bulkboard resume -tool %s -id %s",
			errTimeout, out.TotalChunks-out.Completed, out.TotalChunks, out.Tool, out.SessionID)
	}
	return nil
}
