package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mozilla-services/eliot/internal/diskcache"
	"github.com/mozilla-services/eliot/internal/metrics"
	"github.com/mozilla-services/eliot/internal/symbolicator"
	"github.com/mozilla-services/eliot/internal/version"
	"go.uber.org/zap"
)

// maxBodyBytes bounds request payload size; oversized bodies are
// rejected before JSON decoding rather than exhausting memory on a
// malicious or mistaken upload.
const maxBodyBytes = 8 << 20

// Handler serves the HTTP surface described in spec.md §6.
type Handler struct {
	symbolicator    *symbolicator.Symbolicator
	cache           *diskcache.Cache
	maxJobs         int
	requestDeadline time.Duration
	logger          *zap.Logger
	metrics         metrics.Client
	version         version.Info
}

// Config configures a Handler.
type Config struct {
	Symbolicator    *symbolicator.Symbolicator
	Cache           *diskcache.Cache
	MaxJobs         int
	RequestDeadline time.Duration
	Version         version.Info
}

// New constructs a Handler.
func New(cfg Config, logger *zap.Logger, m metrics.Client) *Handler {
	return &Handler{
		symbolicator:    cfg.Symbolicator,
		cache:           cfg.Cache,
		maxJobs:         cfg.MaxJobs,
		requestDeadline: cfg.RequestDeadline,
		logger:          logger,
		metrics:         m,
		version:         cfg.Version,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, reason string, status int) {
	h.metrics.Count("symbolicate.request_error", 1, "reason:"+reason)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: reason})
}

func (h *Handler) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.requestDeadline <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, h.requestDeadline)
}

// v4Response is the legacy single-job response shape: a list of
// symbolicated stacks (one per input stack) and a parallel knownModules
// flag list, inlines flattened to their innermost frame only.
type v4Response struct {
	SymbolicatedStacks [][]frameResponse `json:"symbolicatedStacks"`
	KnownModules       []bool            `json:"knownModules"`
}

// HandleV4 serves POST /symbolicate/v4.
func (h *Handler) HandleV4(w http.ResponseWriter, r *http.Request) {
	var req v4WireRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, "invalid_json", http.StatusBadRequest)
		return
	}

	job, err := req.rawJob.toJob()
	if err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := h.withDeadline(r.Context())
	defer cancel()

	result := h.symbolicator.Symbolicate(ctx, job, "v4")

	known := make([]bool, len(job.MemoryMap))
	for i, ref := range job.MemoryMap {
		known[i] = result.FoundModules[ref.Key()]
	}

	writeJSON(w, http.StatusOK, v4Response{
		SymbolicatedStacks: renderStacks(result, job.MemoryMap, false),
		KnownModules:       known,
	})
}

// v5JobResponse is one job's result within a v5 response.
type v5JobResponse struct {
	Stacks       [][]frameResponse `json:"stacks"`
	FoundModules map[string]bool   `json:"found_modules"`
}

type v5Response struct {
	Results []v5JobResponse `json:"results"`
}

// HandleV5 serves POST /symbolicate/v5.
func (h *Handler) HandleV5(w http.ResponseWriter, r *http.Request) {
	var req v5WireRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, "invalid_json", http.StatusBadRequest)
		return
	}

	if len(req.Jobs) > h.maxJobs {
		h.writeError(w, "too_many_jobs", http.StatusBadRequest)
		return
	}

	jobs := make([]symbolicator.Job, len(req.Jobs))
	for i, raw := range req.Jobs {
		job, err := raw.toJob()
		if err != nil {
			h.writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		jobs[i] = job
	}

	ctx, cancel := h.withDeadline(r.Context())
	defer cancel()

	results := make([]v5JobResponse, len(jobs))
	for i, job := range jobs {
		result := h.symbolicator.Symbolicate(ctx, job, "v5")
		results[i] = v5JobResponse{
			Stacks:       renderStacks(result, job.MemoryMap, true),
			FoundModules: result.FoundModules,
		}
	}

	writeJSON(w, http.StatusOK, v5Response{Results: results})
}

// HandleLBHeartbeat serves GET /__lbheartbeat__: an unconditional 200
// with an empty body, meaning only "the process is up and accepting
// connections" to a load balancer (spec.md §12).
func (h *Handler) HandleLBHeartbeat(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type heartbeatResponse struct {
	DiskCache string `json:"disk_cache"`
	UsageByte int64  `json:"disk_cache_usage_bytes"`
}

// HandleHeartbeat serves GET /__heartbeat__: reports disk cache
// reachability and current usage, returning 500 if the cache root isn't
// writable (spec.md §12).
func (h *Handler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Ping(); err != nil {
		h.logger.Error("heartbeat: disk cache unreachable", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, heartbeatResponse{DiskCache: "error"})
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{DiskCache: "ok", UsageByte: h.cache.Usage()})
}

// HandleVersion serves GET /__version__.
func (h *Handler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.version)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
