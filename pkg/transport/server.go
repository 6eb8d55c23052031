package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gate-fs/gate/internal/cli/health"
	"github.com/gate-fs/gate/pkg/broker"
)

// Server exposes a Broker over HTTP, following the teacher's chi router
// middleware stack (pkg/controlplane/api/router.go): request ID, real IP,
// a structured request logger, panic recovery, and a request timeout.
type Server struct {
	broker    *broker.Broker
	log       *slog.Logger
	router    chi.Router
	startedAt time.Time
}

// NewServer builds the HTTP handler for b. The caller wraps it with
// net/http.Server and whatever listener (TCP or Unix socket) the CLI
// selected.
func NewServer(b *broker.Broker, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{broker: b, log: log, startedAt: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Post("/v1/acquire", s.handleAcquire)
	r.Post("/v1/release", s.handleRelease)
	r.Post("/v1/heartbeat", s.handleHeartbeat)
	r.Get("/v1/status", s.handleStatus)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startedAt)
	resp := health.Response{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	resp.Data.Service = "gate-broker"
	resp.Data.StartedAt = s.startedAt.UTC().Format(time.RFC3339)
	resp.Data.Uptime = uptime.String()
	resp.Data.UptimeSec = int64(uptime.Seconds())
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeRequest(r *http.Request) (*Request, error) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

func entryView(e *broker.Entry) *EntryView {
	if e == nil {
		return nil
	}
	v := &EntryView{
		Path:          e.Path,
		Owner:         e.Owner,
		Mode:          string(e.Mode),
		RequestID:     e.RequestID,
		EnqueuedAt:    e.EnqueuedAt.UnixMilli(),
		State:         string(e.State),
		HoldCount:     e.HoldCount,
	}
	if !e.GrantedAt.IsZero() {
		v.GrantedAt = e.GrantedAt.UnixMilli()
	}
	if !e.LastHeartbeat.IsZero() {
		v.LastHeartbeat = e.LastHeartbeat.UnixMilli()
	}
	return v
}

func brokerErrorResponse(w http.ResponseWriter, err error) {
	if berr, ok := err.(*broker.Error); ok {
		writeJSON(w, http.StatusConflict, Response{
			Status:    StatusError,
			ErrorKind: string(berr.Kind),
			Error:     berr.Error(),
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, Response{
		Status:    StatusError,
		ErrorKind: string(broker.KindTransportError),
		Error:     err.Error(),
	})
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Status: StatusError, Error: err.Error()})
		return
	}
	timeout := time.Duration(req.AcquireTimeoutMS) * time.Millisecond
	entry, status, err := s.broker.Acquire(r.Context(), req.Path, broker.Mode(req.Mode), req.Owner, req.RequestID, timeout)
	if err != nil {
		if status == broker.StatusTimeout {
			writeJSON(w, http.StatusOK, Response{Status: StatusTimeout, ErrorKind: string(broker.KindQueueTimeout), Error: err.Error()})
			return
		}
		brokerErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: Status(status), Entry: entryView(entry)})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Status: StatusError, Error: err.Error()})
		return
	}
	if err := s.broker.Release(r.Context(), req.Path, req.Owner); err != nil {
		brokerErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: StatusOK})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Status: StatusError, Error: err.Error()})
		return
	}
	status, err := s.broker.Heartbeat(r.Context(), req.Path, req.Owner)
	if err != nil {
		brokerErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: Status(status)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	snap := s.broker.Status(r.Context(), path)

	view := &SnapshotView{}
	for _, ps := range snap.Paths {
		pv := PathView{Path: ps.Path}
		for _, e := range ps.Entries {
			pv.Entries = append(pv.Entries, *entryView(e))
		}
		view.Paths = append(view.Paths, pv)
	}
	writeJSON(w, http.StatusOK, Response{Status: StatusOK, Snapshot: view})
}
