package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	app "github.com/lovendo/momentcore/internal/app"
	"github.com/lovendo/momentcore/internal/app/idempotency"
	"github.com/lovendo/momentcore/internal/logging"
	"github.com/lovendo/momentcore/internal/middleware"
)

var (
	testSecret    = []byte("test-secret")
	testSvcSecret = []byte("service-secret")
)

type envelope struct {
	Success  bool            `json:"success"`
	NewState string          `json:"newState"`
	Data     json.RawMessage `json:"data"`
	Error    *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

type testServer struct {
	t        *testing.T
	app      *app.Application
	handler  http.Handler
	requests *RequestLog
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	application, err := app.New(app.Options{DisableSweeper: true}, logging.Discard())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("start application: %v", err)
	}
	t.Cleanup(func() { _ = application.Stop(context.Background()) })

	requests := NewRequestLog(50, nil)
	handler, _ := NewHandler(application, Config{
		Auth: middleware.AuthConfig{
			Secret: testSecret,
			Admins: map[string]struct{}{"admin-1": {}},
		},
		ServiceAuth: middleware.ServiceAuthConfig{
			Secret:          testSvcSecret,
			AllowedServices: []string{"ai-scanner"},
		},
		CORSOrigins:    []string{"https://app.example"},
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		Idempotency:    idempotency.NewMemoryStore(),
		Requests:       requests,
		Logger:         logging.Discard(),
	})
	return &testServer{t: t, app: application, handler: handler, requests: requests}
}

func userToken(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	claims := middleware.Claims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (s *testServer) do(method, path, token string, body any, headers ...string) (*httptest.ResponseRecorder, envelope) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)

	var env envelope
	if strings.HasPrefix(resp.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(resp.Body.Bytes(), &env); err != nil {
			s.t.Fatalf("decode %s %s: %v (%s)", method, path, err, resp.Body.String())
		}
	}
	return resp, env
}

func (s *testServer) mustDo(status int, method, path, token string, body any) envelope {
	s.t.Helper()
	resp, env := s.do(method, path, token, body)
	if resp.Code != status {
		s.t.Fatalf("%s %s: expected %d, got %d: %s", method, path, status, resp.Code, resp.Body.String())
	}
	return env
}

func decodeData(t *testing.T, env envelope, dst any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestHealthAndAuth(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(http.MethodGet, "/healthz", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 healthz, got %d", resp.Code)
	}

	resp, env := s.do(http.MethodGet, "/accounts/me", "", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	if env.Success || env.Error == nil || env.Error.Code != "UNAUTHENTICATED" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	env = s.mustDo(http.StatusOK, http.MethodGet, "/accounts/me", userToken(t, "fan-1"), nil)
	var acct struct {
		ID string `json:"id"`
	}
	decodeData(t, env, &acct)
	if acct.ID != "fan-1" {
		t.Fatalf("expected fan-1, got %q", acct.ID)
	}
}

func TestMomentLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	host := userToken(t, "host-1", "creator")
	fan := userToken(t, "fan-1")
	giver := userToken(t, "giver-1")
	adminTok := userToken(t, "admin-1")

	env := s.mustDo(http.StatusCreated, http.MethodPost, "/moments", host, map[string]any{"title": "Sunset sail", "price": 150})
	if env.NewState != "published" {
		t.Fatalf("expected published, got %q", env.NewState)
	}
	var m struct {
		ID string `json:"id"`
	}
	decodeData(t, env, &m)

	s.mustDo(http.StatusOK, http.MethodPost, "/admin/accounts/giver-1/credit", adminTok, map[string]any{"amount": 100, "reason": "top up"})

	env = s.mustDo(http.StatusCreated, http.MethodPost, "/moments/"+m.ID+"/gift", giver, map[string]any{"amount": 60})
	var gift struct {
		Escrow *struct {
			ID string `json:"id"`
		} `json:"escrow"`
	}
	decodeData(t, env, &gift)
	if gift.Escrow == nil {
		t.Fatalf("expected escrowed gift on mandatory moment")
	}

	env = s.mustDo(http.StatusCreated, http.MethodPost, "/moments/"+m.ID+"/claim", fan, nil)
	if env.NewState != "claimed" {
		t.Fatalf("expected claimed, got %q", env.NewState)
	}
	var c struct {
		ID string `json:"id"`
	}
	decodeData(t, env, &c)

	// second claimant loses the race
	resp, env := s.do(http.MethodPost, "/moments/"+m.ID+"/claim", userToken(t, "fan-2"), nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
	if env.Error == nil || env.Error.Details != nil {
		t.Fatalf("user errors must not carry details: %+v", env.Error)
	}

	s.mustDo(http.StatusOK, http.MethodPost, "/claims/"+c.ID+"/consume", fan, nil)
	env = s.mustDo(http.StatusCreated, http.MethodPost, "/claims/"+c.ID+"/proof", fan, map[string]any{"media_refs": []string{"media://1.jpg"}})
	var p struct {
		ID string `json:"id"`
	}
	decodeData(t, env, &p)

	resp, _ = s.do(http.MethodPost, "/admin/proofs/"+p.ID+"/decision", fan, map[string]any{"decision": "approve"})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin decision, got %d", resp.Code)
	}

	env = s.mustDo(http.StatusOK, http.MethodPost, "/admin/proofs/"+p.ID+"/decision", adminTok, map[string]any{"decision": "approve", "reason": "verified"})
	if env.NewState != "closed" {
		t.Fatalf("expected closed, got %q", env.NewState)
	}

	env = s.mustDo(http.StatusOK, http.MethodGet, "/escrow/"+gift.Escrow.ID, adminTok, nil)
	if env.NewState != "released" {
		t.Fatalf("expected released escrow, got %q", env.NewState)
	}

	// override after release reports the terminal state
	env = s.mustDo(http.StatusOK, http.MethodPost, "/admin/escrow/"+gift.Escrow.ID+"/override", adminTok, map[string]any{"outcome": "refund", "reason": "late"})
	if env.NewState != "released" {
		t.Fatalf("expected released, got %q", env.NewState)
	}

	env = s.mustDo(http.StatusOK, http.MethodGet, "/admin/audit?entity_id="+m.ID, adminTok, nil)
	var records []map[string]any
	decodeData(t, env, &records)
	if len(records) == 0 {
		t.Fatalf("expected audit records for moment")
	}
}

func TestSelfDealingDetailsForAdminOnly(t *testing.T) {
	s := newTestServer(t)
	host := userToken(t, "host-1", "creator")

	env := s.mustDo(http.StatusCreated, http.MethodPost, "/moments", host, map[string]any{"title": "Pottery", "price": 20})
	var m struct {
		ID string `json:"id"`
	}
	decodeData(t, env, &m)

	resp, env := s.do(http.MethodPost, "/moments/"+m.ID+"/claim", host, nil)
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.Code)
	}
	if env.Error.Code != "SELF_DEALING_REJECTED" || env.Error.Details != nil {
		t.Fatalf("unexpected error: %+v", env.Error)
	}

	resp, env = s.do(http.MethodPost, "/admin/moments/"+m.ID+"/status", userToken(t, "admin-1"), map[string]any{"event": "publish", "reason": "x"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-moderation event, got %d", resp.Code)
	}
	if env.Error.Details == nil {
		t.Fatalf("admin errors should carry details")
	}
}

func TestAdminSuspendAndUnsuspend(t *testing.T) {
	s := newTestServer(t)
	host := userToken(t, "host-1", "creator")
	adminTok := userToken(t, "admin-1")

	env := s.mustDo(http.StatusCreated, http.MethodPost, "/moments", host, map[string]any{"title": "Jazz night", "price": 40})
	var m struct {
		ID string `json:"id"`
	}
	decodeData(t, env, &m)

	env = s.mustDo(http.StatusOK, http.MethodPost, "/admin/moments/"+m.ID+"/status", adminTok, map[string]any{"event": "suspend", "reason": "report"})
	if env.NewState != "suspended" {
		t.Fatalf("expected suspended, got %q", env.NewState)
	}
	resp, _ := s.do(http.MethodPost, "/moments/"+m.ID+"/claim", userToken(t, "fan-1"), nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 claiming suspended moment, got %d", resp.Code)
	}
	env = s.mustDo(http.StatusOK, http.MethodPost, "/admin/moments/"+m.ID+"/status", adminTok, map[string]any{"event": "unsuspend", "reason": "cleared"})
	if env.NewState != "published" {
		t.Fatalf("expected published, got %q", env.NewState)
	}

	env = s.mustDo(http.StatusOK, http.MethodGet, "/admin/decisions/moment/"+m.ID, adminTok, nil)
	var decisions []map[string]any
	decodeData(t, env, &decisions)
	if len(decisions) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(decisions))
	}
}

func TestSignalIntakeRequiresServiceToken(t *testing.T) {
	s := newTestServer(t)
	host := userToken(t, "host-1", "creator")
	env := s.mustDo(http.StatusCreated, http.MethodPost, "/moments", host, map[string]any{"title": "Karaoke", "price": 10})
	var m struct {
		ID string `json:"id"`
	}
	decodeData(t, env, &m)

	body := map[string]any{"entity_id": m.ID, "confidence_score": 0.95, "reason": "stock photo"}
	resp, _ := s.do(http.MethodPost, "/signals/suspicion", host, body)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for user token, got %d", resp.Code)
	}

	svcToken, err := middleware.NewServiceTokenGenerator(testSvcSecret, "ai-scanner", time.Minute).GenerateToken()
	if err != nil {
		t.Fatalf("service token: %v", err)
	}
	resp, env = s.do(http.MethodPost, "/signals/suspicion", "", body, middleware.ServiceTokenHeader, svcToken)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if env.NewState != "flagged" {
		t.Fatalf("expected flagged, got %q", env.NewState)
	}
}

func TestIdempotentReplay(t *testing.T) {
	s := newTestServer(t)
	host := userToken(t, "host-1", "creator")
	body := map[string]any{"title": "Wine tasting", "price": 25}

	first, env1 := s.do(http.MethodPost, "/moments", host, body, idempotency.HeaderKey, "k-1")
	second, env2 := s.do(http.MethodPost, "/moments", host, body, idempotency.HeaderKey, "k-1")
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("unexpected codes %d %d", first.Code, second.Code)
	}
	if second.Header().Get(idempotency.HeaderReplayed) != "true" {
		t.Fatalf("expected replay header")
	}
	if string(env1.Data) != string(env2.Data) {
		t.Fatalf("replay body differs")
	}
}

func TestRequestLogAdminOnly(t *testing.T) {
	s := newTestServer(t)
	s.mustDo(http.StatusOK, http.MethodGet, "/accounts/me", userToken(t, "fan-1"), nil)

	resp, _ := s.do(http.MethodGet, "/admin/requests", userToken(t, "fan-1"), nil)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
	env := s.mustDo(http.StatusOK, http.MethodGet, "/admin/requests?limit=5", userToken(t, "admin-1"), nil)
	var entries []RequestEntry
	decodeData(t, env, &entries)
	if len(entries) < 2 || entries[0].ActorID != "fan-1" || entries[0].Path != "/accounts/me" {
		t.Fatalf("unexpected request log: %+v", entries)
	}
}

func TestRequestLogEviction(t *testing.T) {
	log := NewRequestLog(2, nil)
	for _, p := range []string{"/a", "/b", "/c"} {
		log.Add(RequestEntry{Path: p})
	}
	got := log.List(0)
	if len(got) != 2 || got[0].Path != "/b" || got[1].Path != "/c" {
		t.Fatalf("unexpected entries: %+v", got)
	}
	if got := log.List(1); len(got) != 1 || got[0].Path != "/c" {
		t.Fatalf("unexpected limited entries: %+v", got)
	}
}

func TestChatOverWebsocket(t *testing.T) {
	s := newTestServer(t)
	server := httptest.NewServer(s.handler)
	defer server.Close()

	host := userToken(t, "host-1", "creator")
	fan := userToken(t, "fan-1")

	env := s.mustDo(http.StatusCreated, http.MethodPost, "/moments", host, map[string]any{"title": "Stargazing", "price": 150})
	var m struct {
		ID string `json:"id"`
	}
	decodeData(t, env, &m)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/moments/" + m.ID + "/chat/ws?peer=host-1&access_token=" + url.QueryEscape(fan)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 before unlock, got err=%v resp=%v", err, resp)
	}

	env = s.mustDo(http.StatusCreated, http.MethodPost, "/moments/"+m.ID+"/chat/unlock", fan, nil)
	var unlock struct {
		ID string `json:"id"`
	}
	decodeData(t, env, &unlock)
	env = s.mustDo(http.StatusOK, http.MethodPost, "/chat/unlock/"+unlock.ID+"/decision", host, map[string]any{"approve": true})
	if env.NewState != "approved" {
		t.Fatalf("expected approved, got %q", env.NewState)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// the subscription is registered before the upgrade completes
	s.mustDo(http.StatusCreated, http.MethodPost, "/moments/"+m.ID+"/chat/messages", host, map[string]any{"recipient_id": "fan-1", "body": "welcome aboard"})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame struct {
		Type    string `json:"type"`
		Message struct {
			SenderID string `json:"sender_id"`
			Body     string `json:"body"`
		} `json:"message"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Type != "message" || frame.Message.SenderID != "host-1" || frame.Message.Body != "welcome aboard" {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	if err := conn.WriteJSON(map[string]string{"body": "see you there"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if frame.Message.SenderID != "fan-1" || frame.Message.Body != "see you there" {
		t.Fatalf("unexpected echo: %+v", frame)
	}

	env = s.mustDo(http.StatusOK, http.MethodGet, "/moments/"+m.ID+"/chat/messages?peer=fan-1", host, nil)
	var history []map[string]any
	decodeData(t, env, &history)
	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}
}

func TestDisabledAccountOverHTTP(t *testing.T) {
	s := newTestServer(t)
	host := userToken(t, "host-1", "creator")
	fan := userToken(t, "fan-1")
	adminTok := userToken(t, "admin-1")

	env := s.mustDo(http.StatusCreated, http.MethodPost, "/moments", host, map[string]any{"title": "Harbour walk", "price": 150})
	var m struct {
		ID string `json:"id"`
	}
	decodeData(t, env, &m)

	resp, _ := s.do(http.MethodPost, "/admin/accounts/fan-1/disabled", fan, map[string]any{"disabled": true, "reason": "x"})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", resp.Code)
	}

	env = s.mustDo(http.StatusOK, http.MethodPost, "/admin/accounts/fan-1/disabled", adminTok, map[string]any{"disabled": true, "reason": "fraud"})
	var acct struct {
		Disabled bool `json:"disabled"`
	}
	decodeData(t, env, &acct)
	if !acct.Disabled {
		t.Fatalf("expected account to be disabled")
	}

	resp, env = s.do(http.MethodPost, "/moments/"+m.ID+"/claim", fan, nil)
	if resp.Code != http.StatusForbidden || env.Error == nil || env.Error.Code != "RESTRICTED" {
		t.Fatalf("expected RESTRICTED claim, got %d %+v", resp.Code, env.Error)
	}
}
