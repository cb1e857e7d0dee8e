// Package httpapi exposes the role onboarding pipeline over HTTP: push
// and batch submission, status lookups, retry, taxonomy listings, and a
// health probe. Request bodies are schema-validated at the edge and all
// errors render as a JSON envelope with a pipeline error code.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"goa.design/clue/debug"
	"goa.design/clue/log"

	"github.com/skillgraph/rolepipe/api"
	"github.com/skillgraph/rolepipe/downstream"
	"github.com/skillgraph/rolepipe/engine"
	"github.com/skillgraph/rolepipe/pipeline"
	"github.com/skillgraph/rolepipe/status"
	"github.com/skillgraph/rolepipe/telemetry"
)

// Options configures the HTTP server. Service handles the pipeline
// operations; Engine, Store, and Downstream are pinged by /health.
type Options struct {
	Service    *pipeline.Service
	Engine     engine.Engine
	Store      status.Store
	Downstream downstream.Client
	Logger     telemetry.Logger

	// CORSOrigins enables CORS for the given origins. Empty disables it.
	CORSOrigins []string

	// Debug mounts pprof and the debug-log toggle, and logs request and
	// response bodies when debug logs are enabled.
	Debug bool
}

// Server routes pipeline operations. Build one with New, then mount
// Handler on an http.Server.
type Server struct {
	svc     *pipeline.Service
	logger  telemetry.Logger
	schemas *requestSchemas
	health  *healthHandler
	cors    []string
	debug   bool
}

// New validates dependencies and compiles the request schemas.
func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("httpapi: pipeline service is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("httpapi: workflow engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("httpapi: status store is required")
	}
	if opts.Downstream == nil {
		return nil, errors.New("httpapi: downstream client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{
		svc:     opts.Service,
		logger:  logger,
		schemas: schemas,
		health:  newHealthHandler(opts.Engine.Name(), opts.Engine, opts.Store, opts.Downstream),
		cors:    opts.CORSOrigins,
		debug:   opts.Debug,
	}, nil
}

// Handler builds the routed handler. logCtx carries the process logger;
// every request is logged against it and handlers inherit its fields
// alongside the per-request context.
func (s *Server) Handler(logCtx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if len(s.cors) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cors,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	if s.debug {
		debug.MountDebugLogEnabler(chiMux{r})
		debug.MountPprofHandlers(chiMux{r})
	}

	// Load balancers probe the bare path; the versioned one is the API.
	r.Get("/health", s.health.ServeHTTP)

	r.Route("/api/v1/pipeline", func(r chi.Router) {
		r.Post("/push", s.handlePush)
		r.Post("/push-batch", s.handlePushBatch)
		r.Get("/status/{workflow_id}", s.handleStatus)
		r.Get("/batch-status/{batch_id}", s.handleBatchStatus)
		r.Post("/retry-failed/{batch_id}", s.handleRetryFailed)
		r.Get("/companies", s.handleListCompanies)
		r.Get("/companies/{company}/roles", s.handleListRoles)
		r.Get("/health", s.health.ServeHTTP)
	})

	var handler http.Handler = r
	if s.debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(logCtx)(handler)
	return handler
}

// chiMux adapts a chi router to the debug package's muxer interface.
type chiMux struct {
	r chi.Router
}

func (m chiMux) Handle(pattern string, handler http.Handler) {
	m.r.Handle(pattern, handler)
}

func (m chiMux) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	m.r.HandleFunc(pattern, handler)
}

func (m chiMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.r.ServeHTTP(w, r)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := decodeBody(r, s.schemas.push, &req); err != nil {
		writeError(w, r, err)
		return
	}
	receipt, err := s.svc.Push(r.Context(), req.input(nil, s.traceID(r, req.TraceID)))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, receipt)
}

func (s *Server) handlePushBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchPushRequest
	if err := decodeBody(r, s.schemas.batch, &req); err != nil {
		writeError(w, r, err)
		return
	}
	receipt, err := s.svc.PushBatch(r.Context(), req.batch(s.traceID(r, "")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, receipt)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context(), pathParam(r, "workflow_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.BatchStatus(r.Context(), pathParam(r, "batch_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	// The filter body is optional: no body retries every failed member.
	var req RetryRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, r, &api.Error{Code: api.ErrCodeValidation, Message: "read request body: " + err.Error()})
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, r, &api.Error{Code: api.ErrCodeValidation, Message: "decode request body: " + err.Error()})
			return
		}
	}
	receipt, err := s.svc.RetryFailed(r.Context(), pathParam(r, "batch_id"), req.WorkflowIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, receipt)
}

func (s *Server) handleListCompanies(w http.ResponseWriter, r *http.Request) {
	companies, err := s.svc.ListCompanies(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if companies == nil {
		companies = []api.Company{}
	}
	writeJSON(w, r, http.StatusOK, companyList{Companies: companies})
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	company := pathParam(r, "company")
	roles, err := s.svc.ListRoles(r.Context(), company)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if roles == nil {
		roles = []api.TaxonomyRole{}
	}
	writeJSON(w, r, http.StatusOK, roleList{Company: company, Roles: roles})
}

// companyList and roleList wrap listings in objects so the endpoints can
// grow fields without breaking callers.
type companyList struct {
	Companies []api.Company `json:"companies"`
}

type roleList struct {
	Company string             `json:"company"`
	Roles   []api.TaxonomyRole `json:"roles"`
}

// traceID prefers the caller-supplied trace ID and falls back to the
// request ID minted by the middleware, so every run carries correlation
// even when callers send none.
func (s *Server) traceID(r *http.Request, supplied string) string {
	if supplied != "" {
		return supplied
	}
	return chimiddleware.GetReqID(r.Context())
}

// pathParam returns the named chi URL parameter, percent-decoded. Company
// names and workflow IDs arrive escaped when they contain spaces or
// slashes.
func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}
