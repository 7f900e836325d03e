// Package api serves the channel manager over HTTP.
//
// Routes under /v1 form the public API used by worker and portal runtimes:
// the bearer token subject must own the channel. Routes under /internal/v1
// form the private API of the workflow service and the Slot API callbacks.
// Mutating calls return the Operation that wraps them; an Idempotency-Key
// header makes them safe to retry.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/chanmgr/internal/channel"
	"github.com/roach88/chanmgr/internal/model"
)

// IdempotencyKeyHeader carries the client-chosen idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

// Config for the HTTP API handler.
type Config struct {
	Channels *channel.Manager
	Auth     AuthConfig
	Logger   *slog.Logger
	// Gatherer backs /metrics. Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

type server struct {
	channels *channel.Manager
	auth     AuthConfig
	logger   *slog.Logger
}

type errorBody struct {
	Code    model.Code `json:"code"`
	Message string     `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// New returns an HTTP handler exposing the channel manager.
func New(cfg Config) http.Handler {
	s := &server{
		channels: cfg.Channels,
		auth:     cfg.Auth,
		logger:   cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(s.instrument)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	router.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/channels/{channelID}/bind", s.handleBind)
		r.Post("/channels/{channelID}/unbind", s.handleUnbind)
		r.Get("/operations/{operationID}", s.handleGetOperation)
	})

	router.Route("/internal/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.requireInternal)
		r.Post("/channels", s.handleCreate)
		r.Post("/channels/get-or-create", s.handleGetOrCreate)
		r.Get("/channels/{channelID}", s.handleStatus)
		r.Delete("/channels/{channelID}", s.handleDestroy)
		r.Get("/executions/{executionID}/channels", s.handleStatusAll)
		r.Delete("/executions/{executionID}/channels", s.handleDestroyAll)
		r.Post("/channels/{channelID}/transfers/{transferID}/completed", s.handleTransferCompleted)
		r.Post("/channels/{channelID}/transfers/{transferID}/failed", s.handleTransferFailed)
		r.Get("/operations", s.handleListOperations)
		r.Get("/operations/{operationID}", s.handleInternalGetOperation)
		r.Get("/operations/{operationID}/wait", s.handleWaitOperation)
	})

	return router
}

// instrument logs and counts every request by route pattern.
func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequests.WithLabelValues(r.Method, route, http.StatusText(status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		s.logger.Debug("http request",
			"method", r.Method, "route", route, "status", status,
			"request_id", middleware.GetReqID(r.Context()), "duration", time.Since(start))
	})
}

// statusOf maps an error code onto an HTTP status.
func statusOf(code model.Code) int {
	switch code {
	case model.CodeInvalidArgument:
		return http.StatusBadRequest
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeAlreadyExists:
		return http.StatusConflict
	case model.CodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case model.CodeCancelled:
		return statusClientClosedRequest
	case model.CodeUnauthenticated:
		return http.StatusUnauthorized
	case model.CodePermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// statusClientClosedRequest is the de facto status for a cancelled call.
const statusClientClosedRequest = 499

func (s *server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := model.CodeOf(err)
	msg := err.Error()
	if e, ok := model.AsError(err); ok {
		msg = e.Message
	}
	if code == model.CodeInternal {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, statusOf(code), errorEnvelope{Error: errorBody{Code: code, Message: msg}})
}

// respondOperation writes op if the call produced one, even a failed one:
// the error is then part of the operation. Only calls rejected before an
// operation existed are reported as HTTP errors.
func (s *server) respondOperation(w http.ResponseWriter, r *http.Request, op model.Operation, err error) {
	if op.ID == "" {
		if err == nil {
			err = model.Internal("no operation returned")
		}
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.InvalidArgument("invalid request body: %v", err)
	}
	return nil
}
