package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/stats"
)

// ClientIDHeader identifies the submitting API client.
const ClientIDHeader = "X-Client-ID"

// MaxDashboardHours bounds the dashboard window to 30 days.
const MaxDashboardHours = 720

// NotificationService is the intake and admin surface of the coordinator.
type NotificationService interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest, clientID int, sourceIP string) (*dispatch.SubmitResponse, error)
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotifications(ctx context.Context, filter db.NotificationFilter) ([]*db.Notification, int64, error)
	RetryNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
}

// StatsService builds dashboard aggregates.
type StatsService interface {
	DashboardStats(ctx context.Context, windowHours int) (*stats.Dashboard, error)
}

// AuditLog lists audit entries for admins.
type AuditLog interface {
	ListAuditLogs(ctx context.Context, filter db.AuditFilter) ([]*db.AuditLogEntry, int64, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ListResponse wraps a page of results.
type ListResponse struct {
	Data   any   `json:"data"`
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Count  int   `json:"count"`
}

// RetryResponse is returned by a successful manual retry.
type RetryResponse struct {
	Notification *db.Notification `json:"notification"`
	Message      string           `json:"message"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger          *zap.Logger
	notifications   NotificationService
	stats           StatsService
	audit           AuditLog
	defaultClientID int
}

// NewHandler creates a new API handler. Requests without an X-Client-ID
// header are attributed to defaultClientID.
func NewHandler(logger *zap.Logger, notifications NotificationService, stats StatsService, audit AuditLog, defaultClientID int) *Handler {
	return &Handler{
		logger:          logger,
		notifications:   notifications,
		stats:           stats,
		audit:           audit,
		defaultClientID: defaultClientID,
	}
}

// Routes registers the v1 API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/send", h.SendNotification)
		r.Get("/status/{id}", h.GetStatus)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/notifications", h.ListNotifications)
			r.Get("/notifications/{id}", h.GetNotification)
			r.Post("/notifications/{id}/retry", h.RetryNotification)
			r.Get("/stats/dashboard", h.DashboardStats)
			r.Get("/audit", h.ListAuditLogs)
		})
	})
}

// SendNotification handles POST /api/v1/send
func (h *Handler) SendNotification(w http.ResponseWriter, r *http.Request) {
	clientID, err := h.clientID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid client id", err.Error())
		return
	}

	var req dispatch.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	resp, err := h.notifications.Submit(r.Context(), req, clientID, ClientIP(r))
	if err != nil {
		var verr *dispatch.ValidationError
		switch {
		case errors.As(err, &verr):
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Validation failed", verr.Error())
		case errors.Is(err, dispatch.ErrClientNotFound):
			h.writeError(w, http.StatusUnauthorized, "unauthorized", "Unknown client", err.Error())
		default:
			h.logger.Error("failed to submit notification",
				zap.Error(err),
				zap.Int("client_id", clientID),
				zap.String("channel", string(req.Channel)),
			)
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to submit notification", "")
		}
		return
	}

	if resp.Duplicate {
		w.Header().Set("X-Idempotency-Replayed", "true")
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

// GetStatus handles GET /api/v1/status/{id}
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.getNotification(w, r)
}

// GetNotification handles GET /api/v1/admin/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	h.getNotification(w, r)
}

func (h *Handler) getNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	notif, err := h.notifications.GetNotification(r.Context(), id)
	if err != nil {
		h.notificationError(w, id, err, "Failed to get notification")
		return
	}

	h.writeJSON(w, http.StatusOK, notif)
}

// ListNotifications handles GET /api/v1/admin/notifications?status=&channel=&limit=&offset=
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, offset, err := pagination(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid pagination", err.Error())
		return
	}

	filter := db.NotificationFilter{
		Status:  db.Status(strings.ToUpper(q.Get("status"))),
		Channel: db.Channel(strings.ToUpper(q.Get("channel"))),
		Limit:   limit,
		Offset:  offset,
	}

	notifications, total, err := h.notifications.ListNotifications(r.Context(), filter)
	if err != nil {
		var verr *dispatch.ValidationError
		if errors.As(err, &verr) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid filter", verr.Error())
			return
		}
		h.logger.Error("failed to list notifications", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	h.writeJSON(w, http.StatusOK, ListResponse{
		Data:   notifications,
		Total:  total,
		Limit:  limit,
		Offset: offset,
		Count:  len(notifications),
	})
}

// RetryNotification handles POST /api/v1/admin/notifications/{id}/retry
func (h *Handler) RetryNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	notif, err := h.notifications.RetryNotification(r.Context(), id)
	if err != nil {
		if errors.Is(err, dispatch.ErrRetryNotAllowed) {
			h.writeError(w, http.StatusBadRequest, "retry_not_allowed", "Notification cannot be retried", err.Error())
			return
		}
		h.notificationError(w, id, err, "Failed to retry notification")
		return
	}

	h.writeJSON(w, http.StatusOK, RetryResponse{Notification: notif, Message: dispatch.MessageRetried})
}

// DashboardStats handles GET /api/v1/admin/stats/dashboard?hours=
func (h *Handler) DashboardStats(w http.ResponseWriter, r *http.Request) {
	hours := stats.DefaultWindowHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > MaxDashboardHours {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid hours",
				"hours must be between 1 and "+strconv.Itoa(MaxDashboardHours))
			return
		}
		hours = n
	}

	dashboard, err := h.stats.DashboardStats(r.Context(), hours)
	if err != nil {
		h.logger.Error("failed to build dashboard", zap.Error(err), zap.Int("hours", hours))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to build dashboard", "")
		return
	}

	h.writeJSON(w, http.StatusOK, dashboard)
}

// ListAuditLogs handles GET /api/v1/admin/audit?entityType=&actionType=&limit=&offset=
func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, offset, err := pagination(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid pagination", err.Error())
		return
	}

	entries, total, err := h.audit.ListAuditLogs(r.Context(), db.AuditFilter{
		EntityType: strings.ToUpper(q.Get("entityType")),
		ActionType: strings.ToUpper(q.Get("actionType")),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		h.logger.Error("failed to list audit logs", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list audit logs", "")
		return
	}

	h.writeJSON(w, http.StatusOK, ListResponse{
		Data:   entries,
		Total:  total,
		Limit:  limit,
		Offset: offset,
		Count:  len(entries),
	})
}

func (h *Handler) clientID(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.Header.Get(ClientIDHeader))
	if raw == "" {
		return h.defaultClientID, nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(ClientIDHeader + " must be an integer")
	}
	return id, nil
}

func (h *Handler) notificationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) notificationError(w http.ResponseWriter, id uuid.UUID, err error, title string) {
	if errors.Is(err, dispatch.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	h.logger.Error(strings.ToLower(title),
		zap.Error(err),
		zap.String("notification_id", id.String()),
	)
	h.writeError(w, http.StatusInternalServerError, "database_error", title, "")
}

// pagination reads limit and offset. Missing values take defaults; limits
// above the maximum are clamped.
func pagination(r *http.Request) (limit, offset int, err error) {
	limit = dispatch.DefaultListLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(limit, dispatch.MaxListLimit)
	}

	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}

	return limit, offset, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
