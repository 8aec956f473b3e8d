// Package api exposes the quota gate, usage ledger and subscription service
// over HTTP for application services on the internal network.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/plan"
	"github.com/dmitrymomot/quotakit/pkg/quota"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
	"github.com/dmitrymomot/quotakit/pkg/usage"
)

const maxBody = 64 << 10

type Handler struct {
	gate    *quota.Gate
	ledger  *usage.Ledger
	subs    *subscription.Service
	catalog *plan.Catalog
	logger  *slog.Logger
}

func NewHandler(gate *quota.Gate, ledger *usage.Ledger, subs *subscription.Service, catalog *plan.Catalog, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		gate:    gate,
		ledger:  ledger,
		subs:    subs,
		catalog: catalog,
		logger:  log.With(logger.Component("api")),
	}
}

// Routes returns the router to mount under /v1.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/plans", h.listPlans)
	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Use(h.withTenant)
		r.Get("/subscription", h.getSubscription)
		r.Post("/subscription", h.setupSubscription)
		r.Put("/subscription/plan", h.changePlan)
		r.Post("/authorize", h.authorize)
		r.Post("/release", h.release)
		r.Post("/usage", h.recordUsage)
	})
	return r
}

type planRequest struct {
	Plan string `json:"plan"`
}

type actionRequest struct {
	Action string `json:"action"`
	Count  int64  `json:"count"`
}

type usageRequest struct {
	Kind     string `json:"kind"`
	Delta    int64  `json:"delta"`
	Filename string `json:"filename,omitempty"`
	Reserved bool   `json:"reserved,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) listPlans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.catalog.GetAll())
}

func (h *Handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	sub, err := h.subs.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) setupSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	var req planRequest
	if !h.decode(w, r, &req) {
		return
	}
	planID, err := plan.ParseID(req.Plan)
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
		return
	}
	sub, err := h.subs.Setup(r.Context(), id, planID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) changePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	var req planRequest
	if !h.decode(w, r, &req) {
		return
	}
	planID, err := plan.ParseID(req.Plan)
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
		return
	}
	sub, err := h.subs.ChangePlan(r.Context(), id, planID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// authorize answers 200 with the Decision when allowed and 403 when denied.
// Unknown action names reach the engine so its unknown-action policy applies.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Count < 0 {
		h.fail(w, r, fmt.Errorf("%w: count must not be negative", ErrInvalidRequest))
		return
	}

	d, err := h.gate.Authorize(r.Context(), id, quota.Action(req.Action), max(req.Count, 1))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusForbidden
	}
	writeJSON(w, status, d)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if !h.decode(w, r, &req) {
		return
	}
	action, err := quota.ParseAction(req.Action)
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
		return
	}
	if err := h.gate.Release(r.Context(), id, action, max(req.Count, 1)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) recordUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	var req usageRequest
	if !h.decode(w, r, &req) {
		return
	}
	kind, err := usage.ParseKind(req.Kind)
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
		return
	}
	err = h.ledger.Apply(r.Context(), id, kind, req.Delta, usage.Metadata{Filename: req.Filename, Reserved: req.Reserved})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// withTenant rejects requests with a malformed tenant id and tags the request
// context so every log line of the request carries the tenant.
func (h *Handler) withTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.tenantID(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(logger.WithTenant(r.Context(), id)))
	})
}

func (h *Handler) tenantID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		h.fail(w, r, ErrInvalidTenant)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "api request failed",
			slog.String("path", r.URL.Path),
			logger.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidTenant),
		errors.Is(err, usage.ErrUnknownKind), errors.Is(err, subscription.ErrUnknownCounter):
		return http.StatusBadRequest
	case errors.Is(err, subscription.ErrNotFound), errors.Is(err, plan.ErrUnknownPlan):
		return http.StatusNotFound
	case errors.Is(err, subscription.ErrAlreadyExists), errors.Is(err, subscription.ErrTransitionRefused):
		return http.StatusConflict
	case errors.Is(err, usage.ErrUnknownFileSize):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
