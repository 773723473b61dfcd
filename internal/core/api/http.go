// Package api exposes rule management and evaluation over HTTP (chi) and
// gRPC. Both surfaces are thin: they decode, call the store or the
// evaluation service, and map domain errors to status codes.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/solatis/ruleskeeper/internal/core/audit"
	"github.com/solatis/ruleskeeper/internal/core/auth"
	"github.com/solatis/ruleskeeper/internal/core/evaluation"
	"github.com/solatis/ruleskeeper/internal/core/metrics"
	"github.com/solatis/ruleskeeper/internal/core/store"
	"github.com/solatis/ruleskeeper/internal/rules"
	"github.com/solatis/ruleskeeper/internal/types"
)

// Deps are the collaborators behind the HTTP API. Audit, Auth and Metrics
// are optional.
type Deps struct {
	Rules          store.RuleStore
	Evaluator      *evaluation.Service
	Registry       *rules.Registry
	Audit          audit.Querier
	Auth           *auth.Authenticator
	Metrics        *metrics.Collector
	Logger         *slog.Logger
	RequestTimeout time.Duration
}

type httpHandler struct {
	Deps
	logger *slog.Logger
	now    func() time.Time
}

// NewRouter builds the /api/v1 router.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = rules.NewRegistry()
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	h := &httpHandler{
		Deps:   deps,
		logger: deps.Logger.With("component", "http_api"),
		now:    time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(deps.RequestTimeout))
	r.Use(middleware.RequestSize(types.MaxPayloadSize))

	r.Route("/api/v1", func(r chi.Router) {
		// Health checks and scrapes stay open
		r.Get("/health", h.handleHealth)
		r.Handle("/metrics", deps.Metrics.Handler())

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.Middleware)

			r.Post("/evaluate", h.handleEvaluate)
			r.Get("/audit", h.handleAudit)

			r.Route("/rules", func(r chi.Router) {
				r.Get("/", h.handleListRules)
				r.Post("/", h.handleCreateRule)

				r.Route("/{ruleId}", func(r chi.Router) {
					r.Get("/", h.handleGetRule)
					r.Put("/", h.handleUpdateRule)
					r.Delete("/", h.handleDeleteRule)
					r.Get("/versions", h.handleVersions)
					r.Post("/simulate", h.handleSimulate)
				})
			})
		})
	})
	return r
}

// requestLogger logs one line per request once the response is written.
func (h *httpHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			level := slog.LevelInfo
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			h.logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (h *httpHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	available := h.Evaluator.BrokerAvailable()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "healthy",
		"timestamp":        h.now().UTC().Format(time.RFC3339Nano),
		"broker_available": available,
		"kafka_available":  available,
	})
}

// evaluateRequest allows a null context; the event is required.
type evaluateRequest struct {
	Event   types.Document `json:"event"`
	Context types.Document `json:"context"`
	EventID types.EventID  `json:"event_id"`
	Async   bool           `json:"async_mode"`
}

func (h *httpHandler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Event == nil {
		respondError(w, http.StatusBadRequest, "event is required", nil)
		return
	}
	if req.Context == nil {
		req.Context = types.Document{}
	}

	resp, err := h.Evaluator.Evaluate(r.Context(), evaluation.Request{
		Event:   req.Event,
		Context: req.Context,
		EventID: req.EventID,
		Async:   req.Async,
	})
	if err != nil {
		h.logger.Error("evaluation failed", "event_id", req.EventID, "error", err)
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *httpHandler) handleAudit(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		respondError(w, http.StatusServiceUnavailable, "audit log not queryable", nil)
		return
	}

	filter := audit.Filter{
		EventID: types.EventID(r.URL.Query().Get("event_id")),
		RuleID:  types.RuleID(r.URL.Query().Get("rule_id")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		filter.Limit = limit
	}

	records, err := h.Audit.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("audit query failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "audit log unavailable", err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	respondJSON(w, http.StatusOK, records)
}

// ruleResponse carries advisory authoring warnings next to the rule.
type ruleResponse struct {
	*types.Rule
	Warnings []string `json:"warnings,omitempty"`
}

func (h *httpHandler) handleListRules(w http.ResponseWriter, r *http.Request) {
	var filter types.ListFilter
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid active filter", err)
			return
		}
		filter.Active = &active
	}
	filter.Tag = r.URL.Query().Get("tag")

	list, err := h.Rules.List(r.Context(), filter)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *httpHandler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var spec types.RuleSpec
	if !decodeJSON(w, r, &spec) {
		return
	}
	if principal := auth.PrincipalFromContext(r.Context()); principal != "" {
		spec.CreatedBy = principal
	}

	rule, err := h.Rules.Create(r.Context(), spec)
	if err != nil {
		respondFailure(w, err)
		return
	}
	h.logger.Info("rule created", "rule_id", rule.ID, "created_by", rule.CreatedBy)
	respondJSON(w, http.StatusCreated, ruleResponse{Rule: rule, Warnings: h.warnings(rule)})
}

func (h *httpHandler) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Rules.Get(r.Context(), ruleID(r))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (h *httpHandler) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var patch types.RulePatch
	if !decodeJSON(w, r, &patch) {
		return
	}

	rule, err := h.Rules.Update(r.Context(), ruleID(r), patch, auth.PrincipalFromContext(r.Context()))
	if err != nil {
		respondFailure(w, err)
		return
	}
	h.logger.Info("rule updated", "rule_id", rule.ID, "version", rule.Version)
	respondJSON(w, http.StatusOK, ruleResponse{Rule: rule, Warnings: h.warnings(rule)})
}

func (h *httpHandler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := ruleID(r)
	if err := h.Rules.Delete(r.Context(), id); err != nil {
		respondFailure(w, err)
		return
	}
	h.logger.Info("rule deleted", "rule_id", id)
	respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *httpHandler) handleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.Rules.Versions(r.Context(), ruleID(r))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, versions)
}

type simulateRequest struct {
	Event   types.Document `json:"event"`
	Context types.Document `json:"context"`
}

func (h *httpHandler) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Event == nil {
		respondError(w, http.StatusBadRequest, "event is required", nil)
		return
	}

	result, err := h.Evaluator.Simulate(r.Context(), ruleID(r), req.Event, req.Context)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// warnings never block storage: a malformed rule is stored as given and
// reports its structural error at evaluation time.
func (h *httpHandler) warnings(rule *types.Rule) []string {
	node, err := rules.DecodeCondition(rule.Conditions)
	if err != nil {
		return []string{err.Error()}
	}
	return rules.Validate(node, h.Registry)
}

func ruleID(r *http.Request) types.RuleID {
	return types.RuleID(chi.URLParam(r, "ruleId"))
}

// decodeJSON reads the request body into dst and answers 400 or 413 itself
// when it cannot.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		respondError(w, http.StatusRequestEntityTooLarge, types.ErrPayloadTooLarge.Error(), err)
		return false
	}
	respondError(w, http.StatusBadRequest, "invalid request body", err)
	return false
}
