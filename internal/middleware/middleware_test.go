package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fanyifanyi/fanyifanyi/internal/auth"
)

// okHandler is a simple handler that writes 200 OK for middleware chain tests.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// --- RequestID ---

func TestRequestID_AddsHeader(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	id := rr.Header().Get("X-Request-ID")
	if len(id) != 36 {
		t.Fatalf("expected UUID-length X-Request-ID, got %q (len %d)", id, len(id))
	}
	if seen != id {
		t.Errorf("context request id = %q, header = %q", seen, id)
	}
}

func TestRequestID_UniquePerRequest(t *testing.T) {
	handler := RequestID(okHandler)

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, httptest.NewRequest(http.MethodGet, "/", nil))
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr1.Header().Get("X-Request-ID") == rr2.Header().Get("X-Request-ID") {
		t.Fatal("expected unique X-Request-ID per request")
	}
}

// --- Logger ---

func TestLogger_PassesStatusThrough(t *testing.T) {
	handler := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rr.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusTeapot)
	}
}

// --- CORS ---

func TestCORS_AllowedOrigin(t *testing.T) {
	handler := CORS(DefaultOrigins)(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "tauri://localhost")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	expected := map[string]string{
		"Access-Control-Allow-Origin":      "tauri://localhost",
		"Access-Control-Allow-Methods":     "GET, POST, PUT, OPTIONS",
		"Access-Control-Allow-Headers":     "Content-Type, Authorization",
		"Access-Control-Allow-Credentials": "true",
		"Access-Control-Max-Age":           "86400",
	}
	for header, want := range expected {
		if got := rr.Header().Get(header); got != want {
			t.Errorf("header %s = %q, want %q", header, got, want)
		}
	}
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestCORS_UnknownOriginNoHeader(t *testing.T) {
	handler := CORS(DefaultOrigins)(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
	}
}

func TestCORS_PreflightOptions(t *testing.T) {
	called := false
	handler := CORS(DefaultOrigins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/update/check", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", rr.Code)
	}
	if called {
		t.Error("preflight should not reach the next handler")
	}
}

// --- Auth ---

func newTestAuthService() *auth.Service {
	return auth.NewService("test-secret-key")
}

func TestAuth_ValidTokenInBearerHeader(t *testing.T) {
	svc := newTestAuthService()
	token, err := svc.GenerateToken("shell")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	var client string
	handler := Auth(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client = GetClient(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if client != "shell" {
		t.Errorf("client = %q, want %q", client, "shell")
	}
}

func TestAuth_ValidTokenInCookie(t *testing.T) {
	svc := newTestAuthService()
	token, _ := svc.GenerateToken("shell")

	handler := Auth(svc)(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: TokenCookie, Value: token})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestAuth_Rejections(t *testing.T) {
	svc := newTestAuthService()
	expired, _ := svc.GenerateTokenWithTTL("shell", -time.Minute)
	foreign, _ := auth.NewService("other-secret").GenerateToken("shell")

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"garbage", "Bearer not-a-token"},
		{"expired", "Bearer " + expired},
		{"wrong secret", "Bearer " + foreign},
		{"wrong scheme", "Basic " + expired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Auth(svc)(okHandler)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rr.Code)
			}
		})
	}
}

func TestAuth_BearerHeaderTakesPrecedenceOverCookie(t *testing.T) {
	svc := newTestAuthService()
	good, _ := svc.GenerateToken("header-client")

	var client string
	handler := Auth(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client = GetClient(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer "+good)
	req.AddCookie(&http.Cookie{Name: TokenCookie, Value: "stale"})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if client != "header-client" {
		t.Errorf("client = %q, want header-client", client)
	}
}

// --- SecurityHeaders ---

func TestSecurityHeaders_SetsAllHeaders(t *testing.T) {
	handler := SecurityHeaders(okHandler)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	expected := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}
	for header, want := range expected {
		if got := rr.Header().Get(header); got != want {
			t.Errorf("header %s = %q, want %q", header, got, want)
		}
	}
	if csp := rr.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "frame-ancestors 'none'") {
		t.Errorf("CSP missing frame-ancestors: %q", csp)
	}
}

// --- RateLimit ---

func TestRateLimit_BlocksRequestsOverLimit(t *testing.T) {
	handler := RateLimit(2, time.Minute)(okHandler)

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "127.0.0.1:5000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		codes[i] = rr.Code
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("first two requests = %v, want 200", codes[:2])
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", codes[2])
	}
}

func TestRateLimit_DifferentIPsTrackedSeparately(t *testing.T) {
	handler := RateLimit(1, time.Minute)(okHandler)

	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", addr, rr.Code)
		}
	}
}

// --- context helpers ---

func TestGetClient_ReturnsEmptyWhenMissing(t *testing.T) {
	if got := GetClient(context.Background()); got != "" {
		t.Errorf("GetClient = %q, want empty", got)
	}
	ctx := context.WithValue(context.Background(), ClientKey, 42)
	if got := GetClient(ctx); got != "" {
		t.Errorf("GetClient with wrong type = %q, want empty", got)
	}
}
