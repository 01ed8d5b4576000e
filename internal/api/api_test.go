package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/BulkPipe/internal/events"
	"github.com/BTreeMap/BulkPipe/internal/models"
	"github.com/BTreeMap/BulkPipe/internal/queue"
	"github.com/BTreeMap/BulkPipe/internal/session"
	"github.com/BTreeMap/BulkPipe/internal/store"
	"github.com/BTreeMap/BulkPipe/internal/testutil"
	"github.com/BTreeMap/BulkPipe/internal/whatsapp"
)

const testSecret = "test-service-secret"

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type testServer struct {
	store    *store.InMemoryStore
	dialer   *whatsapp.MockDialer
	sessions *session.Manager
	queue    *queue.Queue
	handler  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewInMemoryStore()
	dialer := whatsapp.NewMockDialer()
	mgr := session.NewManager(st, dialer, session.WithIdleTimeout(0))
	q := queue.NewQueue(st, mgr, queue.WithSleep(testutil.NoSleep))
	t.Cleanup(func() {
		q.Stop()
		mgr.Shutdown(context.Background())
	})
	srv := NewServer(st, mgr, q, WithSecret(testSecret))
	return &testServer{store: st, dialer: dialer, sessions: mgr, queue: q, handler: srv.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(events.SecretHeader, testSecret)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, env
}

func (ts *testServer) connect(t *testing.T, owner string) {
	t.Helper()
	rec, env := ts.do(t, http.MethodPost, "/sessions/"+owner+"/connect", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("connect: expected 202, got %d", rec.Code)
	}
	if env.Status != string(models.APIStatusAccepted) {
		t.Errorf("connect: expected status accepted, got %q", env.Status)
	}
	testutil.WaitFor(t, "session connected", func() bool {
		sess, err := ts.store.GetSession(context.Background(), owner)
		return ts.sessions.IsConnected(owner) && err == nil && sess.State == models.SessionConnected
	})
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequireSecret(t *testing.T) {
	st := store.NewInMemoryStore()
	mgr := session.NewManager(st, whatsapp.NewMockDialer())
	defer mgr.Shutdown(context.Background())
	q := queue.NewQueue(st, mgr)
	defer q.Stop()

	tests := []struct {
		name       string
		serverOpts []Option
		header     string
		want       int
	}{
		{"missing header", []Option{WithSecret(testSecret)}, "", http.StatusUnauthorized},
		{"wrong secret", []Option{WithSecret(testSecret)}, "nope", http.StatusUnauthorized},
		{"right secret", []Option{WithSecret(testSecret)}, testSecret, http.StatusOK},
		{"no secret configured", nil, "", http.StatusUnauthorized},
		{"no secret configured with header", nil, testSecret, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewServer(st, mgr, q, tt.serverOpts...).Handler()
			req := httptest.NewRequest(http.MethodGet, "/stats", nil)
			if tt.header != "" {
				req.Header.Set(events.SecretHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t, "op1")

	rec, env := ts.do(t, http.MethodGet, "/sessions/op1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	var status models.SessionStatus
	if err := json.Unmarshal(env.Result, &status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if status.State != models.SessionConnected {
		t.Errorf("expected CONNECTED, got %s", status.State)
	}

	rec, _ = ts.do(t, http.MethodDelete, "/sessions/op1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disconnect: expected 200, got %d", rec.Code)
	}
	if ts.sessions.IsConnected("op1") {
		t.Error("session still connected after disconnect")
	}
	if !ts.dialer.Last("op1").LoggedOut() {
		t.Error("expected logout on disconnect")
	}
}

func TestQRImageWithoutPendingCode(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, http.MethodGet, "/sessions/op1/qr.png", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestQRImageAndStream(t *testing.T) {
	ts := newTestServer(t)
	ts.dialer.AutoConnect = false
	rec, _ := ts.do(t, http.MethodPost, "/sessions/op1/connect", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	testutil.WaitFor(t, "handle dialed", func() bool { return ts.dialer.Last("op1") != nil })
	h := ts.dialer.Last("op1")
	testutil.WaitFor(t, "handle connecting", func() bool { return h.Connects() == 1 })
	h.Emit(whatsapp.QREvent{Code: "2@pairing-code"})
	testutil.WaitFor(t, "qr pending", func() bool { return ts.sessions.QRCode("op1") != "" })

	rec, _ = ts.do(t, http.MethodGet, "/sessions/op1/qr.png", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("qr.png: expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("expected image/png, got %q", got)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("body is not a PNG")
	}

	rec, _ = ts.do(t, http.MethodGet, "/sessions/op1/qr.png?format=text", nil)
	if rec.Code != http.StatusOK || rec.Body.Len() == 0 {
		t.Fatalf("text QR: expected non-empty 200, got %d", rec.Code)
	}

	// The stream replays the pending code, then ends on connect.
	done := make(chan *httptest.ResponseRecorder)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/sessions/op1/qr", nil)
		req.Header.Set(events.SecretHeader, testSecret)
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		done <- rec
	}()
	time.Sleep(50 * time.Millisecond)
	h.Emit(whatsapp.ConnectedEvent{AccountID: "5215550000"})

	select {
	case rec := <-done:
		body := rec.Body.String()
		if !strings.Contains(body, "event: session.qr") || !strings.Contains(body, "2@pairing-code") {
			t.Errorf("stream missing QR event: %q", body)
		}
		if !strings.Contains(body, "event: session.connected") {
			t.Errorf("stream missing connected event: %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after connect")
	}
}

func TestCreateCampaignRequiresConnectedSession(t *testing.T) {
	ts := newTestServer(t)
	req := models.CreateCampaignRequest{
		OwnerID:         "op1",
		MessageTemplate: "Hi {name}",
		Recipients:      []models.Recipient{{Address: "+15550001"}},
	}
	rec, _ := ts.do(t, http.MethodPost, "/campaigns", req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name  string
		body  interface{}
		want  int
		field string
	}{
		{"invalid json", "{not json", http.StatusBadRequest, ""},
		{"missing template", models.CreateCampaignRequest{OwnerID: "op1", Recipients: []models.Recipient{{Address: "1"}}}, http.StatusUnprocessableEntity, "message_template"},
		{"no recipients", models.CreateCampaignRequest{OwnerID: "op1", MessageTemplate: "x"}, http.StatusUnprocessableEntity, "recipients"},
		{"empty address", models.CreateCampaignRequest{OwnerID: "op1", MessageTemplate: "x", Recipients: []models.Recipient{{Address: ""}}}, http.StatusUnprocessableEntity, "recipients[0].address"},
		{"blank template", models.CreateCampaignRequest{OwnerID: "op1", MessageTemplate: "   ", Recipients: []models.Recipient{{Address: "1"}}}, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := ts.do(t, http.MethodPost, "/campaigns", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if tt.field == "" {
				return
			}
			var details map[string]string
			if err := json.Unmarshal(env.Result, &details); err != nil {
				t.Fatalf("failed to decode details: %v", err)
			}
			if _, ok := details[tt.field]; !ok {
				t.Errorf("expected error for %s, got %v", tt.field, details)
			}
		})
	}
}

func TestCampaignFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t, "op1")

	req := models.CreateCampaignRequest{
		OwnerID:         "op1",
		DisplayName:     "Launch",
		MessageTemplate: "Hi {recipient}",
		Recipients: []models.Recipient{
			{Address: "+1 555 0001", Name: "Ana"},
			{Address: "+1 555 0002"},
		},
	}
	rec, env := ts.do(t, http.MethodPost, "/campaigns", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created CreateCampaignResult
	if err := json.Unmarshal(env.Result, &created); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if created.CampaignID == "" || created.TotalCount != 2 || created.State != models.CampaignQueued {
		t.Fatalf("unexpected create result: %+v", created)
	}

	testutil.WaitFor(t, "campaign completed", func() bool {
		c, err := ts.store.GetCampaign(context.Background(), created.CampaignID)
		return err == nil && c.State == models.CampaignCompleted
	})

	rec, env = ts.do(t, http.MethodGet, "/campaigns/"+created.CampaignID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var detail models.CampaignDetail
	if err := json.Unmarshal(env.Result, &detail); err != nil {
		t.Fatalf("failed to decode detail: %v", err)
	}
	if detail.SentCount != 2 || len(detail.Messages) != 2 {
		t.Errorf("expected 2 sent messages, got sent=%d messages=%d", detail.SentCount, len(detail.Messages))
	}

	sent := ts.dialer.Last("op1").Sent()
	if len(sent) != 2 || sent[0].Body != "Hi Ana" || sent[1].Body != "Hi +1 555 0002" {
		t.Errorf("unexpected sends: %+v", sent)
	}

	rec, env = ts.do(t, http.MethodGet, "/campaigns?owner_id=op1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var list []models.Campaign
	if err := json.Unmarshal(env.Result, &list); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != created.CampaignID {
		t.Errorf("unexpected list: %+v", list)
	}

	rec, _ = ts.do(t, http.MethodPatch, "/campaigns/"+created.CampaignID+"/pause", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("pause completed: expected 409, got %d", rec.Code)
	}
}

func TestCampaignActions(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	c, msgs := queue.BuildCampaign(models.CreateCampaignRequest{
		OwnerID:         "op1",
		MessageTemplate: "x",
		Recipients:      []models.Recipient{{Address: "1"}, {Address: "2"}},
	}, time.Now())
	c.State = models.CampaignPaused
	if err := ts.store.CreateCampaign(ctx, c, msgs); err != nil {
		t.Fatalf("CreateCampaign failed: %v", err)
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown action", "/campaigns/" + c.ID + "/archive", http.StatusNotFound},
		{"unknown campaign", "/campaigns/missing/pause", http.StatusNotFound},
		{"pause paused", "/campaigns/" + c.ID + "/pause", http.StatusConflict},
		{"cancel paused", "/campaigns/" + c.ID + "/cancel", http.StatusOK},
		{"resume cancelled", "/campaigns/" + c.ID + "/resume", http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := ts.do(t, http.MethodPatch, tt.path, nil)
			testutil.AssertHTTPStatus(t, rec, tt.want, tt.name)
		})
	}

	got, err := ts.store.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCampaign failed: %v", err)
	}
	if got.State != models.CampaignCancelled || got.FailedCount != 2 {
		t.Errorf("expected CANCELLED with 2 failed, got %s/%d", got.State, got.FailedCount)
	}
}

func TestGetCampaignNotFound(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, http.MethodGet, "/campaigns/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListCampaignsRequiresOwner(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/campaigns", "/campaigns?owner_id=op1&limit=abc"} {
		rec, _ := ts.do(t, http.MethodGet, path, nil)
		testutil.AssertHTTPStatus(t, rec, http.StatusBadRequest, path)
	}
}

func TestAntiSpamSettings(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodGet, "/settings/antispam", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}

	update := models.AntiSpamSettings{
		DelayMinMs:      1000,
		DelayMaxMs:      2000,
		BurstMin:        2,
		BurstMax:        4,
		BurstPauseMinMs: 5000,
		BurstPauseMaxMs: 9000,
		DailyLimit:      50,
	}
	rec, env := ts.do(t, http.MethodPut, "/settings/antispam", update)
	if rec.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var saved models.AntiSpamSettings
	if err := json.Unmarshal(env.Result, &saved); err != nil {
		t.Fatalf("failed to decode settings: %v", err)
	}
	if saved != update {
		t.Errorf("expected %+v, got %+v", update, saved)
	}

	bad := update
	bad.DelayMaxMs = 10
	rec, env = ts.do(t, http.MethodPut, "/settings/antispam", bad)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid put: expected 422, got %d", rec.Code)
	}
	if !strings.Contains(string(env.Result), "delay_max_ms") {
		t.Errorf("expected delay_max_ms error, got %s", env.Result)
	}
}

func TestStats(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t, "op1")
	rec, env := ts.do(t, http.MethodGet, "/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats models.Stats
	if err := json.Unmarshal(env.Result, &stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.ConnectedSessions != 1 {
		t.Errorf("expected 1 connected session, got %d", stats.ConnectedSessions)
	}
}
