package billing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/quotakit/pkg/logger"
)

const maxWebhookBody = 1 << 20

// Parser verifies and normalizes webhook requests of one billing provider.
type Parser interface {
	Provider() string
	Parse(r *http.Request) (Event, error)
}

// EventReconciler is implemented by *Reconciler.
type EventReconciler interface {
	OnEvent(ctx context.Context, ev Event) (Outcome, error)
}

// WebhookHandler serves POST /{provider} for every registered parser.
type WebhookHandler struct {
	parsers    map[string]Parser
	reconciler EventReconciler
	logger     *slog.Logger
}

type HandlerOption func(*WebhookHandler)

func WithParser(p Parser) HandlerOption {
	return func(h *WebhookHandler) {
		if p != nil {
			h.parsers[p.Provider()] = p
		}
	}
}

func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *WebhookHandler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewWebhookHandler(r EventReconciler, opts ...HandlerOption) *WebhookHandler {
	if r == nil {
		panic("billing: reconciler is required")
	}
	h := &WebhookHandler{
		parsers:    make(map[string]Parser),
		reconciler: r,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(logger.Component("billing_webhook"))
	return h
}

// Routes returns a router to mount under a prefix such as /webhooks.
func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{provider}", h.ServeWebhook)
	return r
}

type webhookResponse struct {
	Received bool    `json:"received"`
	Outcome  Outcome `json:"outcome,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// ServeWebhook answers 400 for bad signatures or payloads so the provider
// stops retrying, 500 for storage failures and 409 for an event still being
// processed so it retries, and 200 otherwise.
func (h *WebhookHandler) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	parser, ok := h.parsers[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, webhookResponse{Error: "unknown provider"})
		return
	}

	ev, err := parser.Parse(r)
	if err != nil {
		h.logger.WarnContext(r.Context(), "webhook rejected",
			slog.String("provider", name),
			logger.Error(err))
		msg := "malformed payload"
		if errors.Is(err, ErrSignatureVerification) {
			msg = "invalid signature"
		}
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: msg})
		return
	}

	outcome, err := h.reconciler.OnEvent(r.Context(), ev)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Error: "processing failed"})
		return
	}
	if outcome == OutcomeInFlight {
		writeJSON(w, http.StatusConflict, webhookResponse{Outcome: outcome, Error: "event is being processed"})
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Outcome: outcome})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
