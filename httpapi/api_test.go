package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	timeblocks "github.com/timeblocks/timeblocks"
	"github.com/timeblocks/timeblocks/internal/logger"
	"github.com/timeblocks/timeblocks/internal/rate"
	"github.com/timeblocks/timeblocks/internal/stores"
	"github.com/timeblocks/timeblocks/middleware"
	"github.com/timeblocks/timeblocks/password"
	"github.com/timeblocks/timeblocks/refreshtoken"
	"github.com/timeblocks/timeblocks/token"
	"github.com/timeblocks/timeblocks/user"
)

type recordedCodes struct {
	mu    sync.Mutex
	codes map[string]string
}

func (r *recordedCodes) VerificationCode(_ context.Context, email, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes["verify:"+email] = code
	return nil
}

func (r *recordedCodes) PasswordResetCode(_ context.Context, email, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes["reset:"+email] = code
	return nil
}

func (r *recordedCodes) get(kind, email string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.codes[kind+":"+email]
}

func newTestAPI(t *testing.T, limit rate.Config) (http.Handler, *recordedCodes) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	users, err := user.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("user store: %v", err)
	}

	codec, err := token.NewCodec(token.Config{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    time.Hour,
	})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	hasher, err := password.NewHasher(password.Params{
		Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	})
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}

	notifier := &recordedCodes{codes: make(map[string]string)}
	svc, err := timeblocks.NewService(timeblocks.Deps{
		Users:    users,
		Tokens:   refreshtoken.NewRedisStore(rdb, 0),
		Codec:    codec,
		Hasher:   hasher,
		Codes:    stores.NewCodeStore(rdb, time.Minute),
		Limiter:  rate.New(limit),
		Notifier: notifier,
		Metrics:  timeblocks.NewMetrics(),
		Log:      logger.Nop(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	api := New(svc, codec, CookieConfig{SameSite: http.SameSiteLaxMode}, logger.Nop())
	return api.Handler(), notifier
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.RemoteAddr = "10.0.0.1:54321"
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func authCookies(t *testing.T, rec *httptest.ResponseRecorder) (access, refresh *http.Cookie) {
	t.Helper()
	res := rec.Result()
	for _, c := range res.Cookies() {
		switch c.Name {
		case middleware.AccessCookie:
			access = c
		case RefreshCookie:
			refresh = c
		}
	}
	if access == nil || refresh == nil {
		t.Fatalf("expected both auth cookies, got %v", res.Cookies())
	}
	return access, refresh
}

func signupVerifyLogin(t *testing.T, handler http.Handler, notifier *recordedCodes) (access, refresh *http.Cookie) {
	t.Helper()

	rec := postJSON(t, handler, "/api/auth/signup", map[string]string{
		"email": "ann@example.com", "name": "Ann", "password": "hunter2hunter2",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status %d: %s", rec.Code, rec.Body)
	}

	code := notifier.get("verify", "ann@example.com")
	rec = postJSON(t, handler, "/api/auth/verify-email", map[string]string{
		"email": "ann@example.com", "code": code,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status %d: %s", rec.Code, rec.Body)
	}

	rec = postJSON(t, handler, "/api/auth/login", map[string]string{
		"email": "ann@example.com", "password": "hunter2hunter2",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status %d: %s", rec.Code, rec.Body)
	}
	return authCookies(t, rec)
}

func TestFullAuthFlow(t *testing.T) {
	handler, notifier := newTestAPI(t, rate.Config{Window: time.Hour, Max: 1000})

	access, refresh := signupVerifyLogin(t, handler, notifier)

	if !access.HttpOnly || access.Path != "/" {
		t.Fatalf("access cookie must be http-only on /: %+v", access)
	}
	if access.MaxAge != int(15*time.Minute/time.Second) {
		t.Fatalf("access cookie max-age %d", access.MaxAge)
	}
	if refresh.MaxAge != int(time.Hour/time.Second) {
		t.Fatalf("refresh cookie max-age %d", refresh.MaxAge)
	}

	// /me with the access cookie.
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.AddCookie(access)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("me status %d: %s", rec.Code, rec.Body)
	}
	var me struct {
		Email    string `json:"email"`
		Role     string `json:"role"`
		Verified bool   `json:"verified"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.Email != "ann@example.com" || me.Role != "USER" || !me.Verified {
		t.Fatalf("unexpected me response %+v", me)
	}

	// /me without a cookie.
	req = httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous me status %d", rec.Code)
	}
}

func TestRefreshRotatesCookies(t *testing.T) {
	handler, notifier := newTestAPI(t, rate.Config{Window: time.Hour, Max: 1000})
	_, refresh := signupVerifyLogin(t, handler, notifier)

	rec := postJSON(t, handler, "/api/auth/refresh", nil, []*http.Cookie{refresh})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status %d: %s", rec.Code, rec.Body)
	}
	_, next := authCookies(t, rec)
	if next.Value == refresh.Value {
		t.Fatal("refresh must rotate the refresh cookie")
	}

	// Replaying the old cookie fails with the generic invalid-token body
	// and clears the cookies.
	rec = postJSON(t, handler, "/api/auth/refresh", nil, []*http.Cookie{refresh})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay status %d: %s", rec.Code, rec.Body)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] != "invalid token" {
		t.Fatalf("replay must look like any invalid token, got %q", body["error"])
	}
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge >= 0 {
			t.Fatalf("expected cleared cookie, got %+v", c)
		}
	}

	// Refresh without a cookie.
	rec = postJSON(t, handler, "/api/auth/refresh", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("cookieless refresh status %d", rec.Code)
	}
}

func TestLogoutClearsCookies(t *testing.T) {
	handler, notifier := newTestAPI(t, rate.Config{Window: time.Hour, Max: 1000})
	_, refresh := signupVerifyLogin(t, handler, notifier)

	rec := postJSON(t, handler, "/api/auth/logout", nil, []*http.Cookie{refresh})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status %d", rec.Code)
	}
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge >= 0 {
			t.Fatalf("expected cleared cookie, got %+v", c)
		}
	}

	rec = postJSON(t, handler, "/api/auth/refresh", nil, []*http.Cookie{refresh})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout status %d", rec.Code)
	}
}

func TestErrorStatuses(t *testing.T) {
	handler, notifier := newTestAPI(t, rate.Config{Window: time.Hour, Max: 1000})
	signupVerifyLogin(t, handler, notifier)

	// Duplicate signup.
	rec := postJSON(t, handler, "/api/auth/signup", map[string]string{
		"email": "ann@example.com", "name": "Ann", "password": "hunter2hunter2",
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate signup status %d", rec.Code)
	}

	// Wrong password.
	rec = postJSON(t, handler, "/api/auth/login", map[string]string{
		"email": "ann@example.com", "password": "wrong-password",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status %d", rec.Code)
	}

	// Weak password.
	rec = postJSON(t, handler, "/api/auth/signup", map[string]string{
		"email": "b@example.com", "name": "B", "password": "short",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("weak password status %d", rec.Code)
	}

	// Malformed body.
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString("{"))
	req.RemoteAddr = "10.0.0.1:1"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status %d", w.Code)
	}
}

func TestUnverifiedLoginForbidden(t *testing.T) {
	handler, _ := newTestAPI(t, rate.Config{Window: time.Hour, Max: 1000})

	rec := postJSON(t, handler, "/api/auth/signup", map[string]string{
		"email": "ann@example.com", "name": "Ann", "password": "hunter2hunter2",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status %d", rec.Code)
	}

	rec = postJSON(t, handler, "/api/auth/login", map[string]string{
		"email": "ann@example.com", "password": "hunter2hunter2",
	}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unverified login status %d: %s", rec.Code, rec.Body)
	}
}

func TestLoginRateLimitedByClient(t *testing.T) {
	handler, notifier := newTestAPI(t, rate.Config{Window: time.Hour, Max: 3})
	signupVerifyLogin(t, handler, notifier) // spends signup and login budget entries

	login := func(remote, forwarded string) int {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(map[string]string{
			"email": "ann@example.com", "password": "wrong",
		})
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", &buf)
		req.RemoteAddr = remote
		if forwarded != "" {
			req.Header.Set("X-Forwarded-For", forwarded)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 3; i++ {
		if code := login("9.9.9.9:1000", ""); code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status %d", i, code)
		}
	}
	if code := login("9.9.9.9:1000", ""); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}

	// X-Forwarded-For takes precedence over the socket address.
	if code := login("9.9.9.9:1000", "7.7.7.7, 9.9.9.9"); code != http.StatusUnauthorized {
		t.Fatalf("forwarded client should have a fresh budget, got %d", code)
	}
}

func TestPasswordResetOverHTTP(t *testing.T) {
	handler, notifier := newTestAPI(t, rate.Config{Window: time.Hour, Max: 1000})
	signupVerifyLogin(t, handler, notifier)

	// Unknown email gets the same 204 as a known one.
	rec := postJSON(t, handler, "/api/auth/request-password-reset", map[string]string{
		"email": "nobody@example.com",
	}, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("reset request for unknown email status %d", rec.Code)
	}

	rec = postJSON(t, handler, "/api/auth/request-password-reset", map[string]string{
		"email": "ann@example.com",
	}, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("reset request status %d", rec.Code)
	}

	code := notifier.get("reset", "ann@example.com")
	rec = postJSON(t, handler, "/api/auth/reset-password", map[string]string{
		"email": "ann@example.com", "code": code, "password": "brand-new-pass1",
	}, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("reset status %d: %s", rec.Code, rec.Body)
	}

	rec = postJSON(t, handler, "/api/auth/login", map[string]string{
		"email": "ann@example.com", "password": "brand-new-pass1",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login with new password status %d: %s", rec.Code, rec.Body)
	}
}

func TestHealth(t *testing.T) {
	handler, _ := newTestAPI(t, rate.Config{Window: time.Hour, Max: 1000})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}
}
