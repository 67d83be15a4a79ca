package dpsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/receiving_backend/config"
	"github.com/mmdatafocus/receiving_backend/middlewares"
	"github.com/mmdatafocus/receiving_backend/models"
	"github.com/mmdatafocus/receiving_backend/reconciliation"
	"github.com/mmdatafocus/receiving_backend/utils"
	"github.com/xuri/excelize/v2"
	"google.golang.org/api/idtoken"
)

type apiHarness struct {
	t      *testing.T
	engine *Engine
	router *gin.Engine
	token  string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	seed := []interface{}{
		&models.Schedule{ID: 10, InvoiceNumber: "555", ClientTaxId: "11222333000144", Status: models.ScheduleStatusAwaitingReceipt, DocumentNumber: strPtr("DP-10")},
		&models.Schedule{ID: 11, InvoiceNumber: "556", ClientTaxId: "11222333000144", Status: models.ScheduleStatusAwaitingReceipt},
		&models.Schedule{ID: 13, InvoiceNumber: "557", ClientTaxId: "11222333000144", Status: models.ScheduleStatusCancelled},
		&models.LedgerEntry{DocumentNumber: "DP-10", InvoiceNumbers: "555", ClientTaxId: strPtr("11222333000144"), InclusionDate: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), Situation: " FECHADO "},
	}
	for _, row := range seed {
		if err := db.Create(row).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	e, _ := newTestEngine(t, db, config.DefaultEngineSettings())
	r := gin.New()
	r.Use(middlewares.CorrelationId())
	RegisterRoutes(r, e, middlewares.AdminAuth())

	token, err := utils.JwtGenerate(7, "ana", utils.RoleAdmin)
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}
	return &apiHarness{t: t, engine: e, router: r, token: token}
}

func (h *apiHarness) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			if err := json.NewEncoder(&buf).Encode(b); err != nil {
				h.t.Fatalf("encode body: %v", err)
			}
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("token", h.token)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestAPI_RequiresAdmin(t *testing.T) {
	h := newAPIHarness(t)
	h.token = ""
	if w := h.do(http.MethodGet, "/api/dp-sync/stats", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", w.Code)
	}
}

func TestAPI_PollInterval(t *testing.T) {
	h := newAPIHarness(t)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"below floor", PollIntervalRequest{Seconds: 5}, http.StatusBadRequest},
		{"missing seconds", map[string]int{}, http.StatusBadRequest},
		{"malformed", "{", http.StatusBadRequest},
		{"at floor", PollIntervalRequest{Seconds: 10}, http.StatusOK},
		{"above floor", PollIntervalRequest{Seconds: 15}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(http.MethodPut, "/api/dp-sync/poll-interval", tt.body)
			if w.Code != tt.want {
				t.Fatalf("status %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
	if got := h.engine.Poller.Loop().Interval(); got != 15*time.Second {
		t.Fatalf("interval %s, want 15s", got)
	}
}

func TestAPI_Registration(t *testing.T) {
	h := newAPIHarness(t)

	if w := h.do(http.MethodPost, "/api/dp-sync/registrations", map[string]interface{}{"schedule_id": 11}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing invoice: status %d, want 400", w.Code)
	}

	ev := RegistrationSucceeded{ScheduleId: 11, InvoiceNumber: "556", ClientTaxId: "11222333000144"}
	w := h.do(http.MethodPost, "/api/dp-sync/registrations", ev)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status %d, want 202 (%s)", w.Code, w.Body.String())
	}
	var resp struct {
		ScheduleId int  `json:"schedule_id"`
		Enqueued   bool `json:"enqueued"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.ScheduleId != 11 || !resp.Enqueued {
		t.Fatalf("unexpected response %+v", resp)
	}

	w = h.do(http.MethodPost, "/api/dp-sync/registrations", ev)
	json.Unmarshal(w.Body.Bytes(), &resp)
	if w.Code != http.StatusAccepted || resp.Enqueued {
		t.Fatalf("duplicate trigger must be accepted without a second job, got %d %+v", w.Code, resp)
	}
	if h.engine.Scheduler.Store.Len() != 1 {
		t.Fatalf("expected one active job, got %d", h.engine.Scheduler.Store.Len())
	}
}

func TestAPI_Retry(t *testing.T) {
	h := newAPIHarness(t)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"bad id", "/api/dp-sync/schedules/abc/retry", http.StatusBadRequest},
		{"unknown schedule", "/api/dp-sync/schedules/999/retry", http.StatusNotFound},
		{"already resolved", "/api/dp-sync/schedules/10/retry", http.StatusConflict},
		{"cancelled schedule", "/api/dp-sync/schedules/13/retry", http.StatusConflict},
		{"pending schedule", "/api/dp-sync/schedules/11/retry", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := h.do(http.MethodPost, tt.path, nil); w.Code != tt.want {
				t.Fatalf("status %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
	job, ok := h.engine.Scheduler.Store.Get(11)
	if !ok || job.Search.InvoiceNumber != "556" {
		t.Fatalf("retry should enqueue from the schedule, got %+v ok=%v", job, ok)
	}
	if _, ok := h.engine.Scheduler.Store.Get(13); ok {
		t.Fatalf("cancelled schedule must not be enqueued")
	}
}

func TestAPI_ForceCheck(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(http.MethodPost, "/api/dp-sync/schedules/10/force-check", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d (%s)", w.Code, w.Body.String())
	}
	var out reconciliation.CheckOutcome
	json.Unmarshal(w.Body.Bytes(), &out)
	if out.Outcome != reconciliation.OutcomeUpdated || out.CurrentStatus != models.ScheduleStatusInStock {
		t.Fatalf("unexpected outcome %+v", out)
	}

	history, _ := models.NewScheduleRepository(h.engine.Jobs.DB).ListHistory(context.Background(), 10)
	if len(history) != 1 || history[0].UserName != "ana" || history[0].UserId != 7 {
		t.Fatalf("promotion must be attributed to the admin, got %+v", history)
	}

	w = h.do(http.MethodPost, "/api/dp-sync/schedules/11/force-check", nil)
	json.Unmarshal(w.Body.Bytes(), &out)
	if out.Outcome != reconciliation.OutcomeNoDocument {
		t.Fatalf("expected no_document, got %+v", out)
	}
	w = h.do(http.MethodPost, "/api/dp-sync/schedules/404/force-check", nil)
	json.Unmarshal(w.Body.Bytes(), &out)
	if w.Code != http.StatusOK || out.Outcome != reconciliation.OutcomeNotFound {
		t.Fatalf("expected not_found, got %d %+v", w.Code, out)
	}
}

func TestAPI_StartStopAndStats(t *testing.T) {
	h := newAPIHarness(t)
	defer h.engine.Stop()

	var lifecycle struct {
		Started bool `json:"started"`
		Stopped bool `json:"stopped"`
		Running bool `json:"running"`
	}
	w := h.do(http.MethodPost, "/api/dp-sync/start", nil)
	json.Unmarshal(w.Body.Bytes(), &lifecycle)
	if w.Code != http.StatusOK || !lifecycle.Started || !lifecycle.Running {
		t.Fatalf("start: %d %+v", w.Code, lifecycle)
	}
	w = h.do(http.MethodPost, "/api/dp-sync/start", nil)
	json.Unmarshal(w.Body.Bytes(), &lifecycle)
	if lifecycle.Started || !lifecycle.Running {
		t.Fatalf("second start must be a no-op: %+v", lifecycle)
	}

	w = h.do(http.MethodGet, "/api/dp-sync/stats", nil)
	var stats Stats
	json.Unmarshal(w.Body.Bytes(), &stats)
	if w.Code != http.StatusOK || !stats.Running || stats.Reconciliation.PollIntervalSeconds != 30 || len(stats.Resolution.Strategies) != 5 {
		t.Fatalf("unexpected stats %d %+v", w.Code, stats)
	}

	lifecycle = struct {
		Started bool `json:"started"`
		Stopped bool `json:"stopped"`
		Running bool `json:"running"`
	}{}
	w = h.do(http.MethodPost, "/api/dp-sync/stop", nil)
	json.Unmarshal(w.Body.Bytes(), &lifecycle)
	if !lifecycle.Stopped || lifecycle.Running {
		t.Fatalf("stop: %+v", lifecycle)
	}
}

func TestAPI_Report(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()
	h.engine.OnRegistrationSucceeded(ctx, RegistrationSucceeded{ScheduleId: 11, InvoiceNumber: "556", ClientTaxId: "11222333000144"})
	h.engine.Jobs.SaveJob(ctx, models.ResolutionJobRecord{ScheduleId: 99, Status: models.ResolutionJobStatusAbandoned, AttemptCount: 10, MaxAttempts: 10, InvoiceNumber: "1", EnqueuedAt: time.Now()})

	w := h.do(http.MethodGet, "/api/dp-sync/report.xlsx", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != XlsxContentType {
		t.Fatalf("status %d content-type %q", w.Code, w.Header().Get("Content-Type"))
	}
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	pending, _ := f.GetRows(pendingSheet)
	if len(pending) != 2 || pending[1][1] != "556" {
		t.Fatalf("unexpected pending rows %v", pending)
	}
	abandoned, _ := f.GetRows(abandonedSheet)
	if len(abandoned) != 2 || abandoned[1][0] != "99" {
		t.Fatalf("unexpected abandoned rows %v", abandoned)
	}
}

func TestAPI_UploadReportWithoutBucket(t *testing.T) {
	t.Setenv("DP_REPORT_BUCKET", "")
	h := newAPIHarness(t)
	if w := h.do(http.MethodPost, "/api/dp-sync/report/upload", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", w.Code)
	}
}

func TestPubSubPush(t *testing.T) {
	h := newAPIHarness(t)
	push := func(data []byte) int {
		var env PubSubPushEnvelope
		env.Message.Data = data
		env.Message.ID = "msg-1"
		env.Subscription = "projects/p/subscriptions/dp-registration"
		body, _ := json.Marshal(env)
		req := httptest.NewRequest(http.MethodPost, "/pubsub/dp-registration", bytes.NewReader(body))
		w := httptest.NewRecorder()
		h.router.ServeHTTP(w, req)
		return w.Code
	}

	payload, _ := json.Marshal(RegistrationSucceeded{ScheduleId: 11, InvoiceNumber: "556", ClientTaxId: "11222333000144"})
	if code := push(payload); code != http.StatusNoContent {
		t.Fatalf("status %d, want 204", code)
	}
	if _, ok := h.engine.Scheduler.Store.Get(11); !ok {
		t.Fatalf("push should enqueue a resolution job")
	}

	// poison payloads are acked so Pub/Sub stops redelivering them
	if code := push([]byte("not json")); code != http.StatusNoContent {
		t.Fatalf("malformed payload: status %d, want 204", code)
	}
	invalid, _ := json.Marshal(RegistrationSucceeded{ScheduleId: 12})
	if code := push(invalid); code != http.StatusNoContent {
		t.Fatalf("invalid payload: status %d, want 204", code)
	}
	if h.engine.Scheduler.Store.Len() != 1 {
		t.Fatalf("poison messages must not enqueue, got %d jobs", h.engine.Scheduler.Store.Len())
	}
}

func (h *apiHarness) pushRegistration(ev RegistrationSucceeded, authorization string) int {
	h.t.Helper()
	var env PubSubPushEnvelope
	env.Message.Data, _ = json.Marshal(ev)
	env.Message.ID = fmt.Sprintf("msg-%d", ev.ScheduleId)
	body, _ := json.Marshal(env)
	req := httptest.NewRequest(http.MethodPost, "/pubsub/dp-registration", bytes.NewReader(body))
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w.Code
}

func TestPubSubPush_OffWhenPullSubscriptionConfigured(t *testing.T) {
	t.Setenv("DP_REGISTRATION_SUBSCRIPTION", "dp-registration-sub")
	h := newAPIHarness(t)
	ev := RegistrationSucceeded{ScheduleId: 11, InvoiceNumber: "556", ClientTaxId: "11222333000144"}

	if code := h.pushRegistration(ev, ""); code != http.StatusNoContent {
		t.Fatalf("status %d, want 204", code)
	}
	if h.engine.Scheduler.Store.Len() != 0 {
		t.Fatalf("disabled push endpoint must not enqueue")
	}

	t.Setenv("ENABLE_DP_PUBSUB_PUSH_ENDPOINT", "true")
	if code := h.pushRegistration(ev, ""); code != http.StatusNoContent {
		t.Fatalf("status %d, want 204", code)
	}
	if _, ok := h.engine.Scheduler.Store.Get(11); !ok {
		t.Fatalf("explicitly enabled push endpoint should enqueue")
	}
}

func TestPubSubPush_VerifiesOIDCToken(t *testing.T) {
	t.Setenv("DP_PUBSUB_PUSH_AUDIENCE", "https://dp-sync.example.com/pubsub/dp-registration")
	t.Setenv("DP_PUBSUB_PUSH_SERVICE_ACCOUNT", "pubsub-push@proj.iam.gserviceaccount.com")
	orig := validatePushToken
	t.Cleanup(func() { validatePushToken = orig })
	validatePushToken = func(_ context.Context, token, audience string) (*idtoken.Payload, error) {
		if audience != "https://dp-sync.example.com/pubsub/dp-registration" {
			return nil, fmt.Errorf("unexpected audience %q", audience)
		}
		switch token {
		case "push-token":
			return &idtoken.Payload{Audience: audience, Claims: map[string]interface{}{
				"email": "pubsub-push@proj.iam.gserviceaccount.com", "email_verified": true,
			}}, nil
		case "other-sa-token":
			return &idtoken.Payload{Audience: audience, Claims: map[string]interface{}{
				"email": "someone@proj.iam.gserviceaccount.com", "email_verified": true,
			}}, nil
		default:
			return nil, errors.New("signature mismatch")
		}
	}

	h := newAPIHarness(t)
	ev := RegistrationSucceeded{ScheduleId: 11, InvoiceNumber: "556", ClientTaxId: "11222333000144"}
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"forged token", "Bearer forged", http.StatusUnauthorized},
		{"other service account", "Bearer other-sa-token", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := h.pushRegistration(ev, tt.header); code != tt.want {
				t.Fatalf("status %d, want %d", code, tt.want)
			}
		})
	}
	if h.engine.Scheduler.Store.Len() != 0 {
		t.Fatalf("rejected pushes must not enqueue, got %d jobs", h.engine.Scheduler.Store.Len())
	}

	if code := h.pushRegistration(ev, "Bearer push-token"); code != http.StatusNoContent {
		t.Fatalf("status %d, want 204", code)
	}
	if _, ok := h.engine.Scheduler.Store.Get(11); !ok {
		t.Fatalf("verified push should enqueue")
	}
}
