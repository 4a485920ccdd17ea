package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"diveguard/internal/alerts"
	"diveguard/internal/audit"
	"diveguard/internal/domain"
	"diveguard/internal/state"
	"diveguard/internal/tracker"
	"diveguard/internal/webhook"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/samber/lo"
)

const (
	maxRequestBody       = 1 << 20
	defaultInboxPageSize = 100
)

var errBadRequest = errors.New("bad request")

// HistoryReader returns recorded lifecycle transitions for one alert.
type HistoryReader interface {
	History(ctx context.Context, alertID string) ([]audit.Entry, error)
}

// Dependencies groups collaborators served by the API.
// History may be nil when audit is disabled.
type Dependencies struct {
	Alerts        *alerts.Manager
	History       HistoryReader
	Webhooks      *webhook.Service
	Subscriptions state.SubscriptionStore
	Inbox         state.InboxStore
	Board         *tracker.Board
}

// NewRouter builds router with CORS for configured origins.
// Params: allowed origins; empty list allows any origin without credentials.
// Returns: chi mux ready for handler registration.
func NewRouter(origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowCredentials: !lo.Contains(origins, "*"),
		Debug:            false,
	}).Handler)
	return r
}

// RegisterHandlers mounts alert, webhook, subscription, board, and inbox routes under prefix.
// Params: logger, router, route prefix, and collaborators.
// Returns: same router.
func RegisterHandlers(log *slog.Logger, router *chi.Mux, prefix string, deps Dependencies) *chi.Mux {
	router.Route(prefix, func(r chi.Router) {
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", queryAlertsHandler(log, deps.Alerts))
			r.Post("/ack", acknowledgeAllHandler(log, deps.Alerts))
			r.Get("/{id}", getAlertHandler(log, deps.Alerts))
			r.Get("/{id}/history", alertHistoryHandler(log, deps.Alerts, deps.History))
			r.Post("/{id}/ack", acknowledgeHandler(log, deps.Alerts))
		})
		r.Route("/webhooks", func(r chi.Router) {
			r.Get("/", listWebhooksHandler(log, deps.Webhooks))
			r.Post("/", createWebhookHandler(log, deps.Webhooks))
			r.Get("/{id}", getWebhookHandler(log, deps.Webhooks))
			r.Patch("/{id}", updateWebhookHandler(log, deps.Webhooks))
			r.Delete("/{id}", deleteWebhookHandler(log, deps.Webhooks))
			r.Post("/{id}/test", testWebhookHandler(log, deps.Webhooks))
		})
		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", listSubscriptionsHandler(log, deps.Subscriptions))
			r.Put("/", putSubscriptionHandler(log, deps.Subscriptions))
			r.Delete("/{event_type}/{channel}", deleteSubscriptionHandler(log, deps.Subscriptions))
		})
		r.Get("/sessions/live", liveSessionsHandler(deps.Board))
		r.Get("/notifications", notificationsHandler(log, deps.Inbox))
	})
	return router
}

type ackRequest struct {
	By string `json:"by"`
}

type ackAllResponse struct {
	Acknowledged int            `json:"acknowledged"`
	Alerts       []domain.Alert `json:"alerts"`
}

func queryAlertsHandler(log *slog.Logger, manager *alerts.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := alertFilter(r)
		if err != nil {
			writeError(w, log, err)
			return
		}
		found, err := manager.Query(r.Context(), filter)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, found)
	}
}

func getAlertHandler(log *slog.Logger, manager *alerts.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alert, err := manager.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, alert)
	}
}

func alertHistoryHandler(log *slog.Logger, manager *alerts.Manager, history HistoryReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alertID := chi.URLParam(r, "id")
		if _, err := manager.Get(r.Context(), alertID); err != nil {
			writeError(w, log, err)
			return
		}
		entries := []audit.Entry{}
		if history != nil {
			found, err := history.History(r.Context(), alertID)
			if err != nil {
				writeError(w, log, err)
				return
			}
			entries = append(entries, found...)
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func acknowledgeHandler(log *slog.Logger, manager *alerts.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ackRequest
		if err := decodeOptionalBody(r, &req); err != nil {
			writeError(w, log, err)
			return
		}
		alert, err := manager.Acknowledge(r.Context(), chi.URLParam(r, "id"), req.By)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, alert)
	}
}

func acknowledgeAllHandler(log *slog.Logger, manager *alerts.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := alertFilter(r)
		if err != nil {
			writeError(w, log, err)
			return
		}
		var req ackRequest
		if err := decodeOptionalBody(r, &req); err != nil {
			writeError(w, log, err)
			return
		}
		acked, err := manager.AcknowledgeAll(r.Context(), filter, req.By)
		if err != nil {
			if len(acked) == 0 {
				writeError(w, log, err)
				return
			}
			log.Warn("acknowledge all partially failed", "acknowledged", len(acked), "error", err)
		}
		writeJSON(w, http.StatusOK, ackAllResponse{Acknowledged: len(acked), Alerts: acked})
	}
}

func listWebhooksHandler(log *slog.Logger, svc *webhook.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hooks, err := svc.List(r.Context())
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, lo.Map(hooks, func(hook domain.Webhook, _ int) domain.Webhook {
			return hook.Redacted()
		}))
	}
}

func createWebhookHandler(log *slog.Logger, svc *webhook.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var reg webhook.Registration
		if err := decodeBody(r, &reg); err != nil {
			writeError(w, log, err)
			return
		}
		hook, err := svc.Create(r.Context(), reg)
		if err != nil {
			writeError(w, log, err)
			return
		}
		w.Header().Add("Location", r.URL.Path+"/"+hook.ID)
		writeJSON(w, http.StatusCreated, hook)
	}
}

func getWebhookHandler(log *slog.Logger, svc *webhook.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hook, err := svc.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, hook.Redacted())
	}
}

func updateWebhookHandler(log *slog.Logger, svc *webhook.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch webhook.Patch
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, log, err)
			return
		}
		hook, err := svc.Update(r.Context(), chi.URLParam(r, "id"), patch)
		if err != nil {
			writeError(w, log, err)
			return
		}
		// the secret is echoed only when this request set or rotated it
		if !patch.RotateSecret && patch.SecretToken == nil {
			hook = hook.Redacted()
		}
		writeJSON(w, http.StatusOK, hook)
	}
}

func deleteWebhookHandler(log *slog.Logger, svc *webhook.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func testWebhookHandler(log *slog.Logger, svc *webhook.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := svc.Test(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func listSubscriptionsHandler(log *slog.Logger, subs state.SubscriptionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := subs.ListSubscriptions(r.Context())
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

type subscriptionRequest struct {
	EventType string `json:"event_type"`
	Channel   string `json:"channel"`
	Enabled   *bool  `json:"enabled"`
}

func putSubscriptionHandler(log *slog.Logger, subs state.SubscriptionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req subscriptionRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, log, err)
			return
		}
		subscription, err := parseSubscription(req.EventType, req.Channel)
		if err != nil {
			writeError(w, log, err)
			return
		}
		subscription.Enabled = req.Enabled == nil || *req.Enabled
		if err := subs.PutSubscription(r.Context(), subscription); err != nil {
			writeError(w, log, err)
			return
		}
		log.Info("subscription stored", "event_type", subscription.EventType, "channel", subscription.Channel, "enabled", subscription.Enabled)
		writeJSON(w, http.StatusOK, subscription)
	}
}

func deleteSubscriptionHandler(log *slog.Logger, subs state.SubscriptionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subscription, err := parseSubscription(chi.URLParam(r, "event_type"), chi.URLParam(r, "channel"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		if err := subs.DeleteSubscription(r.Context(), subscription.EventType, subscription.Channel); err != nil {
			writeError(w, log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func liveSessionsHandler(board *tracker.Board) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, board.Rows())
	}
}

func notificationsHandler(log *slog.Logger, inbox state.InboxStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultInboxPageSize
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeError(w, log, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
				return
			}
			limit = parsed
		}
		rows, err := inbox.ListNotifications(r.Context(), limit)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

// alertFilter reads priority, acknowledged, session_id, and q query parameters.
func alertFilter(r *http.Request) (alerts.Filter, error) {
	query := r.URL.Query()
	filter := alerts.Filter{
		SessionID: strings.TrimSpace(query.Get("session_id")),
		Text:      query.Get("q"),
	}
	if raw := strings.TrimSpace(query.Get("priority")); raw != "" {
		priority := domain.Priority(strings.ToLower(raw))
		if priority.Rank() == 0 {
			return alerts.Filter{}, fmt.Errorf("%w: unknown priority %q", errBadRequest, raw)
		}
		filter.Priority = priority
	}
	if raw := strings.TrimSpace(query.Get("acknowledged")); raw != "" {
		acknowledged, err := strconv.ParseBool(raw)
		if err != nil {
			return alerts.Filter{}, fmt.Errorf("%w: acknowledged must be true or false", errBadRequest)
		}
		filter.Acknowledged = &acknowledged
	}
	return filter, nil
}

func parseSubscription(rawEvent, rawChannel string) (domain.Subscription, error) {
	eventType := domain.NormalizeEventType(rawEvent)
	if eventType == "" {
		return domain.Subscription{}, fmt.Errorf("%w: event_type is required", errBadRequest)
	}
	channel, ok := domain.NormalizeChannel(rawChannel)
	if !ok {
		return domain.Subscription{}, fmt.Errorf("%w: unknown channel %q", errBadRequest, rawChannel)
	}
	return domain.Subscription{EventType: eventType, Channel: channel}, nil
}

func decodeBody(r *http.Request, out any) error {
	if err := decodeJSON(r, out); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

// decodeOptionalBody accepts an empty body and leaves out untouched.
func decodeOptionalBody(r *http.Request, out any) error {
	err := decodeJSON(r, out)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
}

func decodeJSON(r *http.Request, out any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, state.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errBadRequest), errors.Is(err, webhook.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, state.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
