// Package server exposes the submission flow as an HTTP JSON API with a
// websocket feed for batch progress. It is a thin layer: every operation
// delegates to the same packages the CLI uses.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ecoreservices/bulkboard/internal/batch"
	"github.com/ecoreservices/bulkboard/internal/config"
	"github.com/ecoreservices/bulkboard/internal/dataset"
	"github.com/ecoreservices/bulkboard/internal/export"
	"github.com/ecoreservices/bulkboard/internal/job"
	"github.com/ecoreservices/bulkboard/internal/logging"
	"github.com/ecoreservices/bulkboard/internal/merge"
	"github.com/ecoreservices/bulkboard/internal/registry"
	"github.com/ecoreservices/bulkboard/internal/storage"
	"github.com/ecoreservices/bulkboard/internal/submit"
	"github.com/ecoreservices/bulkboard/internal/tracker"
)

const maxUploadMemory = 32 << 20

// Tool describes one configured tool for API clients.
type Tool struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Mode            string   `json:"mode"`
	RequiredColumns []string `json:"required_columns,omitempty"`
}

// toolRuntime bundles everything the handlers need for one tool's bucket.
type toolRuntime struct {
	id     string
	cfg    config.ToolConfig
	store  storage.Store
	layout job.Layout
	sub    *submit.Submitter
	trk    *tracker.Tracker
	reg    *registry.Registry
	runner *batch.Runner
}

// Server serves the API over every configured tool.
type Server struct {
	cfg      config.Config
	tools    map[string]*toolRuntime
	hub      *Hub
	upgrader websocket.Upgrader
	catalog  registry.Catalog
	log      *slog.Logger

	// baseCtx bounds background batch runs, which must survive the HTTP
	// request that started them.
	baseCtx context.Context
	cancel  context.CancelFunc
	runs    sync.WaitGroup
}

// New opens one store per configured tool and wires runners into the
// websocket hub. Close releases everything New opened.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	catalog, err := registry.NewCatalog(ctx, cfg.Catalog.DSN)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:   cfg,
		tools: make(map[string]*toolRuntime, len(cfg.Tools)),
		hub:   NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		catalog: catalog,
		log:     logging.Component("server"),
		baseCtx: baseCtx,
		cancel:  cancel,
	}
	s.hub.Start()

	for id, tool := range cfg.Tools {
		store, err := storage.New(ctx, cfg.StorageFor(tool))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open storage for %s: %w", id, err)
		}
		layout := job.NewLayout(tool.InputFolder, tool.ResultsFolder, tool.StatusFolder)
		reg := registry.New(store, catalog)

		runner, err := batch.New(cfg, id, store, reg)
		if err != nil {
			store.Close()
			s.Close()
			return nil, err
		}
		rt := &toolRuntime{
			id:     id,
			cfg:    tool,
			store:  store,
			layout: layout,
			sub:    submit.New(store, layout, id, reg),
			trk:    tracker.New(store, layout),
			reg:    reg,
			runner: runner,
		}
		runner.OnProgress = func(sessionID string, completed, total int) {
			s.hub.BroadcastBatchProgress(rt.id, sessionID, completed, total)
		}
		s.tools[id] = rt
	}
	return s, nil
}

// Handler returns the full route table behind the CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("POST /api/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleJobStatus)
	mux.HandleFunc("GET /api/jobs/{id}/results", s.handleJobResults)
	mux.HandleFunc("POST /api/batches", s.handleStartBatch)
	mux.HandleFunc("GET /api/batches/{id}", s.handleBatchProgress)
	mux.HandleFunc("GET /api/registry", s.handleRegistry)
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	return corsMiddleware(mux)
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:    s.cfg.Server.Address,
		Handler: s.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("shutdown did not drain cleanly", "error", err)
		}
	}()

	s.log.Info("serving api", "address", s.cfg.Server.Address, "tools", len(s.tools))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close cancels background batches, waits for them, and releases every
// store and the catalog.
func (s *Server) Close() error {
	s.cancel()
	s.runs.Wait()
	s.hub.Stop()

	var errs []error
	for _, rt := range s.tools {
		if err := rt.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store %s: %w", rt.id, err))
		}
	}
	if s.catalog != nil {
		if err := s.catalog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close catalog: %w", err))
		}
	}
	return errors.Join(errs...)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.toolList()})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	rt, payload, filename, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	jobID, err := rt.sub.Submit(r.Context(), payload, filename)
	if err != nil {
		s.log.Error("submission failed", "tool", rt.id, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("submit: %v", err))
		return
	}

	s.log.Info("job submitted", "tool", rt.id, "job_id", jobID, "filename", filename)
	writeJSON(w, http.StatusCreated, map[string]string{
		"job_id":     jobID,
		"tool":       rt.id,
		"status_uri": "/api/jobs/" + jobID + "?tool=" + rt.id,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	_, st, err := s.findJob(r.Context(), jobID, r.URL.Query().Get("tool"))
	if err != nil {
		if errors.Is(err, config.ErrNoSuchTool) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("read status: %v", err))
		return
	}
	if st.Status == job.StatusNotFound {
		writeJSON(w, http.StatusNotFound, st)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleJobResults(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "xlsx" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q, want csv or xlsx", format))
		return
	}

	rt, st, err := s.findJob(r.Context(), jobID, r.URL.Query().Get("tool"))
	if err != nil {
		if errors.Is(err, config.ErrNoSuchTool) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("read status: %v", err))
		return
	}
	if st.Status == job.StatusNotFound {
		writeJSON(w, http.StatusNotFound, st)
		return
	}
	if st.Status != job.StatusCompleted {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "job not completed",
			"status": st.Status,
		})
		return
	}

	data, err := rt.trk.FetchResults(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "results object not found")
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("fetch results: %v", err))
		return
	}

	switch format {
	case "xlsx":
		ds, err := dataset.ParseBytes(data)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("convert results: %v", err))
			return
		}
		out, err := export.XLSX(ds, "Results")
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("convert results: %v", err))
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+"_results.xlsx"))
		w.Write(out)
	default:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+"_results.csv"))
		w.Write(data)
	}
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	rt, payload, filename, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	opts := batch.Options{SessionID: job.NewSessionID()}
	if v := r.FormValue("chunk_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid chunk_size %q", v))
			return
		}
		opts.ChunkSize = n
	}
	if v := r.FormValue("mode"); v != "" {
		if v != config.ModeSession && v != config.ModeJobs {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", v))
			return
		}
		opts.Mode = v
	}

	cid := logging.GenerateCorrelationID()
	runCtx := logging.WithCorrelationID(s.baseCtx, cid)
	log := s.log.With("tool", rt.id, "session_id", opts.SessionID, "correlation_id", cid)
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		out, err := rt.runner.Run(runCtx, payload, filename, opts)
		if err != nil {
			log.Error("background batch failed", "error", err)
			s.hub.BroadcastBatchDone(rt.id, opts.SessionID, 0, err)
			return
		}
		log.Info("background batch finished",
			"completed", out.Completed, "total", out.TotalChunks, "elapsed", out.Elapsed.String())
		s.hub.BroadcastBatchDone(rt.id, opts.SessionID, out.Completed, nil)
	}()

	log.Info("batch accepted", "filename", filename, "bytes", len(payload))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id":   opts.SessionID,
		"tool":         rt.id,
		"progress_uri": "/api/batches/" + opts.SessionID + "?tool=" + rt.id,
	})
}

// batchProgress is the live view of one session.
type batchProgress struct {
	SessionID   string          `json:"session_id"`
	Tool        string          `json:"tool"`
	Mode        string          `json:"mode"`
	Filename    string          `json:"filename,omitempty"`
	TotalChunks int             `json:"total_chunks"`
	TotalRows   int             `json:"total_rows"`
	Completed   int             `json:"completed"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Merge       *merge.Manifest `json:"merge,omitempty"`
}

func (s *Server) handleBatchProgress(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	rt, err := s.findSessionRuntime(r.Context(), sessionID, r.URL.Query().Get("tool"))
	if err != nil {
		switch {
		case errors.Is(err, config.ErrNoSuchTool):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown session: "+sessionID)
		default:
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("load session: %v", err))
		}
		return
	}

	state, completed, err := batch.Progress(r.Context(), rt.store, rt.layout, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session: "+sessionID)
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("load session: %v", err))
		return
	}

	resp := batchProgress{
		SessionID:   state.SessionID,
		Tool:        state.Tool,
		Mode:        state.Mode,
		Filename:    state.Filename,
		TotalChunks: state.TotalChunks,
		TotalRows:   state.TotalRows,
		Completed:   completed,
		CreatedAt:   state.CreatedAt,
		UpdatedAt:   state.UpdatedAt,
	}
	var man merge.Manifest
	merr := storage.GetJSON(r.Context(), rt.store, job.MergeManifestKey(sessionID), &man)
	switch {
	case merr == nil:
		resp.Merge = &man
	case !errors.Is(merr, storage.ErrNotFound):
		s.log.Warn("cannot read merge manifest", "session_id", sessionID, "error", merr)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}

	var entries []registry.Entry
	if toolID := r.URL.Query().Get("tool"); toolID != "" {
		rt, ok := s.tools[toolID]
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: %s", config.ErrNoSuchTool, toolID))
			return
		}
		var err error
		entries, err = rt.reg.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("read registry: %v", err))
			return
		}
	} else {
		for _, id := range s.toolIDs() {
			part, err := s.tools[id].reg.Recent(r.Context(), limit)
			if err != nil {
				s.log.Warn("registry read failed", "tool", id, "error", err)
				continue
			}
			entries = append(entries, part...)
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		})
		if len(entries) > limit {
			entries = entries[:limit]
		}
	}
	if entries == nil {
		entries = []registry.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	// The hello frame goes out before the hub knows the connection, so it
	// cannot interleave with a broadcast write.
	if err := conn.WriteJSON(Frame{Type: "hello", Tools: s.toolList()}); err != nil {
		conn.Close()
		return
	}
	s.hub.Register(conn)

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Unregister(conn)
				return
			}
		}
	}()
}

// readUpload parses the multipart form shared by the job and batch
// endpoints: a tool field naming the target and a file field with the
// dataset. The dataset is parsed up front so malformed uploads fail with a
// 400 before anything is written.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (*toolRuntime, []byte, string, bool) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("parse multipart form: %v", err))
		return nil, nil, "", false
	}

	toolID := r.FormValue("tool")
	if toolID == "" {
		writeError(w, http.StatusBadRequest, "missing tool field")
		return nil, nil, "", false
	}
	rt, ok := s.tools[toolID]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: %s", config.ErrNoSuchTool, toolID))
		return nil, nil, "", false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return nil, nil, "", false
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("read upload: %v", err))
		return nil, nil, "", false
	}

	ds, err := dataset.ParseBytes(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("parse dataset: %v", err))
		return nil, nil, "", false
	}
	if len(rt.cfg.RequiredColumns) > 0 {
		if err := ds.RequireColumns(rt.cfg.RequiredColumns...); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("dataset rejected: %v", err))
			return nil, nil, "", false
		}
	}
	return rt, payload, header.Filename, true
}

// findJob resolves a job id to its tool runtime and current status. An
// empty toolID probes every configured tool, covering ids whose tool the
// caller no longer knows.
func (s *Server) findJob(ctx context.Context, jobID, toolID string) (*toolRuntime, tracker.JobStatus, error) {
	if toolID != "" {
		rt, ok := s.tools[toolID]
		if !ok {
			return nil, tracker.JobStatus{}, fmt.Errorf("%w: %s", config.ErrNoSuchTool, toolID)
		}
		st, err := rt.trk.Get(ctx, jobID)
		return rt, st, err
	}

	for _, id := range s.toolIDs() {
		rt := s.tools[id]
		st, err := rt.trk.Get(ctx, jobID)
		if err != nil {
			s.log.Warn("status probe failed", "tool", id, "job_id", jobID, "error", err)
			continue
		}
		if st.Status != job.StatusNotFound {
			return rt, st, nil
		}
	}
	return nil, tracker.JobStatus{JobID: jobID, Status: job.StatusNotFound}, nil
}

// findSessionRuntime resolves a session id to the tool runtime whose bucket
// holds it, probing every tool when none is named. Returns
// storage.ErrNotFound when no bucket has the session checkpoint.
func (s *Server) findSessionRuntime(ctx context.Context, sessionID, toolID string) (*toolRuntime, error) {
	if toolID != "" {
		rt, ok := s.tools[toolID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", config.ErrNoSuchTool, toolID)
		}
		return rt, nil
	}

	for _, id := range s.toolIDs() {
		rt := s.tools[id]
		found, err := rt.store.Exists(ctx, job.SessionStateKey(sessionID))
		if err != nil {
			s.log.Warn("session probe failed", "tool", id, "session_id", sessionID, "error", err)
			continue
		}
		if found {
			return rt, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Server) toolIDs() []string {
	ids := make([]string, 0, len(s.tools))
	for id := range s.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) toolList() []Tool {
	out := make([]Tool, 0, len(s.tools))
	for _, id := range s.toolIDs() {
		rt := s.tools[id]
		out = append(out, Tool{
			ID:              id,
			Name:            rt.cfg.Name,
			Description:     rt.cfg.Description,
			Mode:            rt.cfg.Mode,
			RequiredColumns: rt.cfg.RequiredColumns,
		})
	}
	return out
}
