package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/stats"
)

type nopAudit struct{}

func (nopAudit) NotificationCreated(*db.Notification, string) {}
func (nopAudit) StatusChanged(uuid.UUID, db.Status, db.Status, string) {}

// syncDispatcher delivers inline so responses can be checked against the
// final state.
type syncDispatcher struct {
	sender channel.Sender
}

func (d syncDispatcher) Dispatch(ctx context.Context, n *db.Notification) error {
	if d.sender != nil {
		d.sender.Send(ctx, n)
	}
	return nil
}

type testServer struct {
	store  *db.MemoryStore
	router chi.Router
}

func newTestServer(t *testing.T, deliver bool) *testServer {
	t.Helper()
	logger := zap.NewNop()

	store := db.NewMemoryStore()
	store.PutClient(db.ApiClient{ID: 1, Name: "default", Active: true})
	store.PutClient(db.ApiClient{ID: 2, Name: "disabled", Active: false})

	failures := channel.NewFailureHandler(store, nopAudit{}, logger)
	sender := channel.NewEmailSender(store, channel.NewLogTransport(logger), failures, nopAudit{}, channel.EmailConfig{DefaultFrom: "noreply@courier.test"}, logger)
	registry := channel.NewRegistry(sender)

	dispatcher := syncDispatcher{}
	if deliver {
		dispatcher.sender = sender
	}

	coord := dispatch.NewCoordinator(store, registry, dispatcher, nopAudit{}, dispatch.Config{}, logger)
	handler := NewHandler(logger, coord, stats.NewAggregator(store, logger), store, 1)

	r := chi.NewRouter()
	handler.Routes(r)
	return &testServer{store: store, router: r}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func emailBody() map[string]any {
	return map[string]any{
		"channel":   "EMAIL",
		"recipient": "user@example.com",
		"subject":   "Hello",
		"message":   "Welcome aboard",
	}
}

func TestSendNotification(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		headers    map[string]string
		wantStatus int
		wantType   string
	}{
		{"accepted", emailBody(), nil, http.StatusAccepted, ""},
		{"explicit client", emailBody(), map[string]string{ClientIDHeader: "1"}, http.StatusAccepted, ""},
		{"malformed json", "{not json", nil, http.StatusBadRequest, "invalid_request"},
		{"missing recipient", map[string]any{"channel": "EMAIL", "message": "hi"}, nil, http.StatusBadRequest, "invalid_request"},
		{"unknown channel", map[string]any{"channel": "FAX", "recipient": "x", "message": "hi"}, nil, http.StatusBadRequest, "invalid_request"},
		{"disabled client", emailBody(), map[string]string{ClientIDHeader: "2"}, http.StatusUnauthorized, "unauthorized"},
		{"unknown client", emailBody(), map[string]string{ClientIDHeader: "99"}, http.StatusUnauthorized, "unauthorized"},
		{"non-numeric client", emailBody(), map[string]string{ClientIDHeader: "abc"}, http.StatusUnauthorized, "unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, false)
			rec := srv.do(t, http.MethodPost, "/api/v1/send", tt.body, tt.headers)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}

			if tt.wantType != "" {
				if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
					t.Errorf("expected problem+json, got %s", ct)
				}
				errResp := decode[ErrorResponse](t, rec)
				if errResp.Type != tt.wantType {
					t.Errorf("expected error type %s, got %s", tt.wantType, errResp.Type)
				}
				return
			}

			resp := decode[dispatch.SubmitResponse](t, rec)
			if resp.NotificationID == uuid.Nil {
				t.Error("expected a notification id")
			}
			if resp.Status != db.StatusPending {
				t.Errorf("expected PENDING, got %s", resp.Status)
			}
			if resp.Message != dispatch.MessageAccepted {
				t.Errorf("unexpected message %q", resp.Message)
			}
		})
	}
}

func TestSendNotification_DuplicateKeyReplays(t *testing.T) {
	srv := newTestServer(t, false)
	body := emailBody()
	body["idempotencyKey"] = "order-42"

	first := srv.do(t, http.MethodPost, "/api/v1/send", body, nil)
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", first.Code)
	}
	firstResp := decode[dispatch.SubmitResponse](t, first)

	second := srv.do(t, http.MethodPost, "/api/v1/send", body, nil)
	if second.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected replay header on duplicate")
	}
	secondResp := decode[dispatch.SubmitResponse](t, second)

	if secondResp.NotificationID != firstResp.NotificationID {
		t.Errorf("duplicate should return %s, got %s", firstResp.NotificationID, secondResp.NotificationID)
	}
	if secondResp.Message != dispatch.MessageDuplicate {
		t.Errorf("unexpected message %q", secondResp.Message)
	}
}

func TestSendNotification_InlineDeliveryReachesSent(t *testing.T) {
	srv := newTestServer(t, true)
	rec := srv.do(t, http.MethodPost, "/api/v1/send", emailBody(), map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	resp := decode[dispatch.SubmitResponse](t, rec)

	status := srv.do(t, http.MethodGet, "/api/v1/status/"+resp.NotificationID.String(), nil, nil)
	notif := decode[db.Notification](t, status)
	if notif.Status != db.StatusSent {
		t.Errorf("expected inline delivery to reach SENT, got %s", notif.Status)
	}
}

func TestGetStatus(t *testing.T) {
	srv := newTestServer(t, false)
	rec := srv.do(t, http.MethodPost, "/api/v1/send", emailBody(), nil)
	created := decode[dispatch.SubmitResponse](t, rec)

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"status endpoint", "/api/v1/status/" + created.NotificationID.String(), http.StatusOK},
		{"admin detail", "/api/v1/admin/notifications/" + created.NotificationID.String(), http.StatusOK},
		{"unknown id", "/api/v1/status/" + uuid.New().String(), http.StatusNotFound},
		{"malformed id", "/api/v1/status/not-a-uuid", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(t, http.MethodGet, tt.path, nil, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			notif := decode[db.Notification](t, rec)
			if notif.ID != created.NotificationID {
				t.Errorf("expected %s, got %s", created.NotificationID, notif.ID)
			}
			if notif.Recipient != "user@example.com" {
				t.Errorf("unexpected recipient %s", notif.Recipient)
			}
		})
	}
}

func TestListNotifications(t *testing.T) {
	srv := newTestServer(t, false)
	now := time.Now()
	for i := 0; i < 3; i++ {
		srv.store.PutNotification(&db.Notification{ID: uuid.New(), ClientID: 1, Channel: db.ChannelEmail, Recipient: "a@example.com", Body: "x", Status: db.StatusSent, CreatedAt: now})
	}
	srv.store.PutNotification(&db.Notification{ID: uuid.New(), ClientID: 1, Channel: db.ChannelSMS, Recipient: "+15550100", Body: "x", Status: db.StatusFailed, CreatedAt: now})

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantTotal  int64
		wantCount  int
	}{
		{"all", "", http.StatusOK, 4, 4},
		{"by status", "?status=sent", http.StatusOK, 3, 3},
		{"by channel", "?channel=SMS", http.StatusOK, 1, 1},
		{"paged", "?status=SENT&limit=2&offset=2", http.StatusOK, 3, 1},
		{"clamped limit", "?limit=500", http.StatusOK, 4, 4},
		{"bad status", "?status=LOST", http.StatusBadRequest, 0, 0},
		{"bad limit", "?limit=-1", http.StatusBadRequest, 0, 0},
		{"bad offset", "?offset=x", http.StatusBadRequest, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(t, http.MethodGet, "/api/v1/admin/notifications"+tt.query, nil, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			resp := decode[ListResponse](t, rec)
			if resp.Total != tt.wantTotal {
				t.Errorf("expected total %d, got %d", tt.wantTotal, resp.Total)
			}
			if resp.Count != tt.wantCount {
				t.Errorf("expected count %d, got %d", tt.wantCount, resp.Count)
			}
			if resp.Limit > dispatch.MaxListLimit {
				t.Errorf("limit %d exceeds max", resp.Limit)
			}
		})
	}
}

func TestRetryNotification(t *testing.T) {
	srv := newTestServer(t, false)
	failed := &db.Notification{ID: uuid.New(), ClientID: 1, Channel: db.ChannelEmail, Recipient: "a@example.com", Body: "x", Status: db.StatusFailed, RetryCount: 5, MaxRetries: 5, CreatedAt: time.Now()}
	sent := &db.Notification{ID: uuid.New(), ClientID: 1, Channel: db.ChannelEmail, Recipient: "a@example.com", Body: "x", Status: db.StatusSent, CreatedAt: time.Now()}
	srv.store.PutNotification(failed)
	srv.store.PutNotification(sent)

	rec := srv.do(t, http.MethodPost, "/api/v1/admin/notifications/"+failed.ID.String()+"/retry", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[RetryResponse](t, rec)
	if resp.Notification.Status != db.StatusPending || resp.Notification.RetryCount != 0 {
		t.Errorf("expected reset PENDING notification, got %s/%d", resp.Notification.Status, resp.Notification.RetryCount)
	}
	if resp.Message != dispatch.MessageRetried {
		t.Errorf("unexpected message %q", resp.Message)
	}

	rec = srv.do(t, http.MethodPost, "/api/v1/admin/notifications/"+sent.ID.String()+"/retry", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("retry of SENT should be 400, got %d", rec.Code)
	}
	if errResp := decode[ErrorResponse](t, rec); errResp.Type != "retry_not_allowed" {
		t.Errorf("unexpected error type %s", errResp.Type)
	}

	rec = srv.do(t, http.MethodPost, "/api/v1/admin/notifications/"+uuid.New().String()+"/retry", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("retry of unknown id should be 404, got %d", rec.Code)
	}
}

func TestDashboardStats(t *testing.T) {
	srv := newTestServer(t, false)
	now := time.Now()
	srv.store.PutNotification(&db.Notification{ID: uuid.New(), Channel: db.ChannelEmail, Status: db.StatusSent, CreatedAt: now})
	srv.store.PutNotification(&db.Notification{ID: uuid.New(), Channel: db.ChannelEmail, Status: db.StatusFailed, CreatedAt: now})

	rec := srv.do(t, http.MethodGet, "/api/v1/admin/stats/dashboard?hours=6", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	dashboard := decode[stats.Dashboard](t, rec)
	if dashboard.WindowHours != 6 {
		t.Errorf("expected 6h window, got %d", dashboard.WindowHours)
	}
	if dashboard.TotalSent != 1 || dashboard.TotalFailed != 1 {
		t.Errorf("unexpected totals: sent=%d failed=%d", dashboard.TotalSent, dashboard.TotalFailed)
	}
	if dashboard.SuccessRate != 50 {
		t.Errorf("expected 50%% success, got %v", dashboard.SuccessRate)
	}

	for _, bad := range []string{"0", "-3", "many", "10000"} {
		rec := srv.do(t, http.MethodGet, "/api/v1/admin/stats/dashboard?hours="+bad, nil, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("hours=%s: expected 400, got %d", bad, rec.Code)
		}
	}
}

func TestListAuditLogs(t *testing.T) {
	srv := newTestServer(t, false)
	_ = srv.store.InsertAuditLogs(context.Background(), []*db.AuditLogEntry{
		{ActionType: "SEND_NOTIFICATION", EntityType: "NOTIFICATION", EntityID: "a"},
		{ActionType: "STATUS_CHANGE", EntityType: "NOTIFICATION", EntityID: "a"},
	})

	rec := srv.do(t, http.MethodGet, "/api/v1/admin/audit?actionType=status_change", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Data  []db.AuditLogEntry `json:"data"`
		Count int                `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Count != 1 || resp.Data[0].ActionType != "STATUS_CHANGE" {
		t.Errorf("unexpected audit page: %+v", resp)
	}
}

func TestListAuditLogs_TotalCountsAllPages(t *testing.T) {
	srv := newTestServer(t, false)
	_ = srv.store.InsertAuditLogs(context.Background(), []*db.AuditLogEntry{
		{ActionType: "STATUS_CHANGE", EntityType: "NOTIFICATION", EntityID: "a"},
		{ActionType: "STATUS_CHANGE", EntityType: "NOTIFICATION", EntityID: "b"},
		{ActionType: "STATUS_CHANGE", EntityType: "NOTIFICATION", EntityID: "c"},
	})

	rec := srv.do(t, http.MethodGet, "/api/v1/admin/audit?limit=2", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp ListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Count != 2 || resp.Total != 3 {
		t.Errorf("expected 2 of 3 entries, got count=%d total=%d", resp.Count, resp.Total)
	}
}
