package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	"github.com/lovendo/momentcore/internal/logging"
)

var testSecret = []byte("test-secret-for-hs256-tokens-0123")

func signHS256(t *testing.T, claims *Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return token
}

func userClaims(userID string, ttl time.Duration, roles ...string) *Claims {
	return &Claims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

// captureActor returns a handler recording the actor it was called with.
func captureActor(got *account.Actor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a, ok := ActorFrom(r.Context()); ok {
			*got = a
		}
		w.WriteHeader(http.StatusOK)
	})
}

func newTestAuth(admins ...string) *AuthMiddleware {
	allow := map[string]struct{}{}
	for _, a := range admins {
		allow[a] = struct{}{}
	}
	return NewAuthMiddleware(AuthConfig{
		Secret:    testSecret,
		Admins:    allow,
		SkipPaths: []string{"/healthz"},
		Logger:    logging.Discard(),
	})
}

func TestAuthMiddleware_SkipPaths(t *testing.T) {
	var got account.Actor
	handler := newTestAuth().Handler(captureActor(&got))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
	if got.ID != "" {
		t.Errorf("actor = %+v, want none", got)
	}
}

func TestAuthMiddleware_MissingOrMalformedHeader(t *testing.T) {
	handler := newTestAuth().Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	}))

	for _, header := range []string{"", "Basic abc", "Bearer "} {
		req := httptest.NewRequest("GET", "/moments/m-1", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, rec.Code)
		}
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	var got account.Actor
	handler := newTestAuth().Handler(captureActor(&got))

	req := httptest.NewRequest("GET", "/accounts/me", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, userClaims("user-1", time.Hour, "creator")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want 200", rec.Code)
	}
	if got.ID != "user-1" || !got.Has(account.RoleCreator) || !got.Has(account.RoleUser) {
		t.Errorf("actor = %+v", got)
	}
	if got.IsAdmin() {
		t.Error("creator must not be admin")
	}
}

func TestAuthMiddleware_AdminComesFromAllowlist(t *testing.T) {
	var got account.Actor
	handler := newTestAuth("boss").Handler(captureActor(&got))

	serve := func(userID string, roles ...string) {
		got = account.Actor{}
		req := httptest.NewRequest("GET", "/admin/audit", nil)
		req.Header.Set("Authorization", "Bearer "+signHS256(t, userClaims(userID, time.Hour, roles...)))
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	serve("mallory", "admin", "system")
	if got.IsAdmin() || got.IsSystem() {
		t.Errorf("self-declared roles must be ignored: %+v", got)
	}

	serve("boss")
	if !got.IsAdmin() {
		t.Errorf("allowlisted user should be admin: %+v", got)
	}
}

func TestAuthMiddleware_RejectsReservedAndExpired(t *testing.T) {
	handler := newTestAuth().Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	}))

	for name, claims := range map[string]*Claims{
		"expired":  userClaims("user-1", -time.Hour),
		"system":   userClaims(account.SystemActorID, time.Hour),
		"no-user":  userClaims("", time.Hour),
		"treasury": userClaims(account.TreasuryAccountID, time.Hour),
	} {
		req := httptest.NewRequest("GET", "/accounts/me", nil)
		req.Header.Set("Authorization", "Bearer "+signHS256(t, claims))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, rec.Code)
		}
	}
}

func TestAuthMiddleware_RS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}
	var got account.Actor
	handler := NewAuthMiddleware(AuthConfig{PublicKey: &key.PublicKey, Logger: logging.Discard()}).Handler(captureActor(&got))

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, userClaims("user-2", time.Hour)).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest("GET", "/accounts/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || got.ID != "user-2" {
		t.Errorf("status = %d, actor = %+v", rec.Code, got)
	}

	// HS256 is refused when only a public key is configured
	req = httptest.NewRequest("GET", "/accounts/me", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, userClaims("user-2", time.Hour)))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAuthMiddleware_WebsocketQueryToken(t *testing.T) {
	var got account.Actor
	handler := newTestAuth().Handler(captureActor(&got))
	token := signHS256(t, userClaims("user-3", time.Hour))

	req := httptest.NewRequest("GET", "/moments/m-1/chat/ws?access_token="+token, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("plain request with query token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("GET", "/moments/m-1/chat/ws?access_token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || got.ID != "user-3" {
		t.Errorf("status = %d, actor = %+v", rec.Code, got)
	}
}

func TestServiceAuth(t *testing.T) {
	svcAuth := NewServiceAuthMiddleware(ServiceAuthConfig{
		Secret:          testSecret,
		Logger:          logging.Discard(),
		AllowedServices: []string{"ai-scanner"},
	})
	var got account.Actor
	handler := svcAuth.Handler(newTestAuth().Handler(RequireSystem(captureActor(&got))))

	good, err := NewServiceTokenGenerator(testSecret, "ai-scanner", time.Minute).GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	req := httptest.NewRequest("POST", "/signals/suspicion", nil)
	req.Header.Set(ServiceTokenHeader, good)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !got.IsSystem() {
		t.Fatalf("status = %d, actor = %+v", rec.Code, got)
	}

	other, _ := NewServiceTokenGenerator(testSecret, "billing", time.Minute).GenerateToken()
	req = httptest.NewRequest("POST", "/signals/suspicion", nil)
	req.Header.Set(ServiceTokenHeader, other)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("disallowed service: status = %d, want 403", rec.Code)
	}

	// a user token cannot reach a system endpoint
	req = httptest.NewRequest("POST", "/signals/suspicion", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, userClaims("user-1", time.Hour)))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("user token: status = %d, want 403", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, logging.Discard())
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/moments/m-1", nil)
		req = req.WithContext(WithActor(req.Context(), account.NewActor("user-1")))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	// the system actor is never throttled
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("POST", "/signals/suspicion", nil)
		req = req.WithContext(WithActor(req.Context(), account.System()))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("system request %d: status = %d", i, rec.Code)
		}
	}

	rl.now = func() time.Time { return time.Now().Add(time.Hour) }
	if removed := rl.Cleanup(time.Minute); removed != 1 {
		t.Errorf("Cleanup removed %d, want 1", removed)
	}
}

func TestCORS(t *testing.T) {
	handler := NewCORSMiddleware([]string{"https://app.example.com"}).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("OPTIONS", "/moments", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Errorf("preflight: status = %d, headers = %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest("GET", "/moments", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin must not be allowed")
	}
}
