// Package httpapi is the gateway's HTTP surface: an ingest bridge for
// deployments whose broker is fronted by HTTP, read-only listings for
// operators, and health/metrics endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/canopysense/gateway/internal/observability"
	"github.com/canopysense/gateway/internal/store"
)

// Dispatcher routes one broker message. Implemented by ingest.Pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, topic string, payload []byte) error
}

// Pinger is anything whose liveness the health endpoint reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	repo     *store.Repo
	dispatch Dispatcher
	metrics  http.Handler
	tracer   oteltrace.Tracer
	service  string
	deps     map[string]Pinger
}

func New(repo *store.Repo, dispatch Dispatcher, metrics http.Handler, tracer oteltrace.Tracer, serviceName string) *Server {
	return &Server{
		repo:     repo,
		dispatch: dispatch,
		metrics:  metrics,
		tracer:   tracer,
		service:  serviceName,
		deps:     map[string]Pinger{},
	}
}

// AddDependency registers a named dependency for /healthz.
func (s *Server) AddDependency(name string, p Pinger) {
	s.deps[name] = p
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.tracer != nil {
		r.Use(observability.MetricsAndTracingMiddleware(s.tracer, s.service))
	}

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Get("/healthz", s.handleHealth)

	r.Post("/api/ingest", s.handleIngest)

	r.Route("/api/gateway", func(r chi.Router) {
		r.Get("/devices", s.handleDevicesList)
		r.Get("/devices/{device_id}/images", s.handleDeviceImages)
		r.Get("/observations", s.handleObservationsList)
		r.Get("/sessions/{session_id}", s.handleSessionGet)
	})

	return r
}

type healthResponse struct {
	OK     bool              `json:"ok"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.deps))
	ok := true
	for name, dep := range s.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ok = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, healthResponse{OK: ok, Checks: checks})
}

type ingestRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// handleIngest accepts one bridged broker message. A 5xx tells the bridge
// to redeliver; anything the pipeline deliberately drops (unknown device,
// inactive lineage) is still accepted.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	if err := s.dispatch.Dispatch(r.Context(), topic, req.Payload); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load devices")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleDeviceImages(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "device_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.repo.ListDeviceImages(r.Context(), id, queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load images")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleObservationsList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListRecentObservations(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load observations")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "session_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.repo.SessionByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func queryLimit(r *http.Request) int {
	v := strings.TrimSpace(r.URL.Query().Get("limit"))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

type jsonErr struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonErr{Error: msg, Code: status})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, key))
	if raw == "" {
		return uuid.Nil, errors.New("missing id")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("invalid id")
	}
	return id, nil
}
