package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"certreg/internal/consolidate"
	"certreg/internal/jobs"
	"certreg/internal/lease"
	"certreg/internal/metrics"
	"certreg/internal/models"
	"certreg/internal/progress"
	"certreg/internal/ratelimit"
	"certreg/internal/records"
)

// Server holds all HTTP handlers and dependencies.
type Server struct {
	jobs      *jobs.Registry
	events    *progress.Registry
	leases    *lease.Manager
	store     *records.Store
	limiter   *ratelimit.RateLimiter
	metrics   *metrics.Collector
	heartbeat time.Duration
	upgrader  ws.Upgrader
}

// NewServer creates a new API server.
func NewServer(jr *jobs.Registry, pr *progress.Registry, lm *lease.Manager,
	store *records.Store, limiter *ratelimit.RateLimiter, mc *metrics.Collector,
	heartbeat time.Duration) *Server {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Server{
		jobs:      jr,
		events:    pr,
		leases:    lm,
		store:     store,
		limiter:   limiter,
		metrics:   mc,
		heartbeat: heartbeat,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// identity extracts the caller identity supplied by the authentication
// layer in front of this service. The classification is opaque here.
func identity(r *http.Request) (lease.Identity, bool) {
	id := r.Header.Get("X-Identity")
	if id == "" {
		return lease.Identity{}, false
	}
	return lease.Identity{
		ID:         id,
		Privileged: r.Header.Get("X-Privileged") == "true",
	}, true
}

// StartOperation starts a consolidation export as a background operation.
func (s *Server) StartOperation(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Code: "IDENTITY_REQUIRED"})
		return
	}

	var req models.StartOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Bad Request", Code: "INVALID_BODY"})
		return
	}
	if len(req.RecordIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Bad Request", Code: "INVALID_BODY", Message: "record_ids is required"})
		return
	}

	if !s.limiter.Allow(who.ID) {
		s.metrics.JobsRejected.WithLabelValues("rate_limited").Inc()
		log.Warn().Str("component", "api").Str("identity", who.ID).Msg("start rate limited")
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "Too Many Requests", Code: "RATE_LIMITED"})
		return
	}

	id := req.OperationID
	if id == "" {
		id = uuid.NewString()
	}

	if err := s.jobs.Start(id, consolidate.Task(s.store, req.RecordIDs)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, models.StartOperationResponse{OperationID: id})
}

// CancelOperation requests a cooperative stop. Idempotent.
func (s *Server) CancelOperation(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Bad Request", Code: "INVALID_BODY", Message: "id is required"})
		return
	}
	found := s.jobs.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": found})
}

// GetResult reports the operation's outcome: 202 while running, 200 with
// the produced files when complete, 409 when cancelled or failed, 404 once
// swept or for unknown ids.
func (s *Server) GetResult(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	res, err := s.jobs.Result(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	switch res.Status {
	case jobs.StatusRunning:
		writeJSON(w, http.StatusAccepted, res)
	case jobs.StatusComplete:
		writeJSON(w, http.StatusOK, res)
	default:
		writeJSON(w, http.StatusConflict, res)
	}
}

// PollEvents implements the cursor-based poll protocol. The response
// carries the events strictly after the supplied cursor, the cursor to use
// next, and whether the channel has finished.
func (s *Server) PollEvents(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Bad Request", Code: "INVALID_BODY", Message: "id is required"})
		return
	}
	var cursor int64
	if c := r.URL.Query().Get("cursor"); c != "" {
		var err error
		cursor, err = strconv.ParseInt(c, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Bad Request", Code: "INVALID_BODY", Message: "cursor must be an integer"})
			return
		}
	}

	events, next, done := s.events.EventsSince(id, cursor)
	if events == nil {
		events = []progress.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":      events,
		"cursor_next": next,
		"done":        done,
	})
}

// GetRecord returns one record (?id=) or a listing.
func (s *Server) GetRecord(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		rec, err := s.store.Get(id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}
	recs, err := s.store.List(100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// CreateRecord inserts a new record.
func (s *Server) CreateRecord(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(r); !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Code: "IDENTITY_REQUIRED"})
		return
	}
	var rec models.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Bad Request", Code: "INVALID_BODY"})
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := s.store.Insert(&rec); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// WriteRecord mutates a record. The lease check runs before the mutation
// and the version marker is verified independently inside the update; the
// lease transfers to the writer only once the update lands, so a version
// conflict leaves the lease untouched.
func (s *Server) WriteRecord(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Code: "IDENTITY_REQUIRED"})
		return
	}
	var req models.WriteRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Bad Request", Code: "INVALID_BODY"})
		return
	}

	if err := s.leases.CheckWrite(req.ID, who); err != nil {
		writeError(w, r, err)
		return
	}

	rec := models.Record{ID: req.ID, Title: req.Title, Inspector: req.Inspector, Body: req.Body}
	if err := s.store.UpdateWithVersion(&rec, req.Version); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.leases.Touch(req.ID, who); err != nil {
		// The record is already updated; the writer just misses the refresh.
		log.Warn().Str("component", "api").Str("record", req.ID).Err(err).Msg("lease refresh failed")
	}
	writeJSON(w, http.StatusOK, rec)
}

// AcquireLease acquires or refreshes the edit lease on a record.
func (s *Server) AcquireLease(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Code: "IDENTITY_REQUIRED"})
		return
	}
	var req models.LeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RecordID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Bad Request", Code: "INVALID_BODY"})
		return
	}
	res, err := s.leases.Acquire(req.RecordID, who)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ReleaseLease frees the edit lease on a record.
func (s *Server) ReleaseLease(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Code: "IDENTITY_REQUIRED"})
		return
	}
	var req models.LeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RecordID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Bad Request", Code: "INVALID_BODY"})
		return
	}
	if err := s.leases.Release(req.RecordID, who); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetupRoutes sets up all HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/operations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			s.StartOperation(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/operations/cancel", s.CancelOperation)
	mux.HandleFunc("/api/operations/result", s.GetResult)
	mux.HandleFunc("/api/operations/events", s.PollEvents)
	mux.HandleFunc("/api/operations/stream", s.StreamEvents)
	mux.HandleFunc("/ws", s.HandleWebSocket)

	mux.HandleFunc("/api/records", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.GetRecord(w, r)
		case http.MethodPost:
			s.CreateRecord(w, r)
		case http.MethodPut:
			s.WriteRecord(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/records/lease", s.AcquireLease)
	mux.HandleFunc("/api/records/release", s.ReleaseLease)

	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
