package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/auth"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/content"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/hub"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/identity"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/metrics"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/middleware"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/model"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/security"
)

const testSessionSecret = "test-session-secret"

// testStack は実際のミドルウェアとクライアントで構成したルーター。
// コンテンツバックエンドのみhttptestのサーバーで置き換える。
type testStack struct {
	router        http.Handler
	hub           *hub.Hub
	verifier      *auth.Verifier
	upstreamCalls *atomic.Int32
}

func newTestStack(t *testing.T, upstream http.HandlerFunc) *testStack {
	t.Helper()

	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		upstream(w, r)
	}))
	t.Cleanup(backend.Close)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	contentClient := content.NewClient(backend.Client(), content.Options{BaseURL: backend.URL + "/api"}, collector, logger)
	h := hub.New(hub.Options{DeliveryTimeout: time.Second}, collector, logger)
	t.Cleanup(h.Close)

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)

	verifier := auth.NewVerifier(testSessionSecret, "")
	deps := &RouterDeps{
		SessionVerifier:   verifier,
		SessionCookieName: middleware.DefaultSessionCookieName,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		IdentityResolver:  identity.NewResolver(contentClient, "users", logger),
		PublishRole:       "admin",
		ContentQuerier:    contentClient,
		PublicResources:   []string{"announcements"},
		MailResource:      "mails",
		EventLister:       &mockEventLister{},
		Publisher:         h,
		Sanitizer:         security.NewMessageSanitizer(),
		Registry:          h,
		Metrics:           collector,
		MetricsGatherer:   reg,
		Logger:            logger,
	}

	return &testStack{
		router:        NewRouter(deps),
		hub:           h,
		verifier:      verifier,
		upstreamCalls: &calls,
	}
}

func (s *testStack) token(t *testing.T, email string, roles ...string) string {
	t.Helper()
	token, err := s.verifier.Issue(model.Session{
		Subject:   "sub-1",
		Email:     email,
		Roles:     roles,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Issue がエラーを返した: %v", err)
	}
	return token
}

func (s *testStack) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// mailBackend はユーザー a@x.edu（ID 42）と送信済みメール1件を持つバックエンド。
func mailBackend(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/users":
			if q.Get("filters[email][$eq]") != "a@x.edu" {
				w.Write([]byte(`{"data":[]}`))
				return
			}
			w.Write([]byte(`{"data":[{"id":42,"attributes":{"email":"a@x.edu"}}]}`))
		case "/api/mails":
			if got := q.Get("filters[sender][id][$eq]"); got != "42" {
				t.Errorf("filters[sender][id][$eq] = %q, want 42", got)
			}
			w.Write([]byte(`{"data":[{"id":1,"subject":"Hi"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestRouter_OutboxResolvesIdentityAndScopesQuery(t *testing.T) {
	s := newTestStack(t, mailBackend(t))

	req := httptest.NewRequest(http.MethodGet, "/api/mail/outbox", nil)
	req.AddCookie(&http.Cookie{Name: middleware.DefaultSessionCookieName, Value: s.token(t, "a@x.edu")})
	w := s.serve(req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
	}
	body := decodeBody[struct {
		Data []map[string]any `json:"data"`
	}](t, w)
	if len(body.Data) != 1 {
		t.Fatalf("data = %+v, want 1 record", body.Data)
	}
	if body.Data[0]["subject"] != "Hi" || body.Data[0]["id"] != float64(1) {
		t.Errorf("record = %+v", body.Data[0])
	}
	if got := s.upstreamCalls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2 (identity + mails)", got)
	}
}

func TestRouter_NoSessionIsRejectedWithoutUpstreamCalls(t *testing.T) {
	s := newTestStack(t, mailBackend(t))

	for _, path := range []string{"/api/mail/outbox", "/api/mail/inbox", "/api/me", "/auth/me"} {
		t.Run(path, func(t *testing.T) {
			w := s.serve(httptest.NewRequest(http.MethodGet, path, nil))
			assertErrorBody(t, w, http.StatusUnauthorized, "Authentication required")
		})
	}
	if got := s.upstreamCalls.Load(); got != 0 {
		t.Errorf("upstream calls = %d, want 0", got)
	}
}

func TestRouter_UnknownIdentity(t *testing.T) {
	s := newTestStack(t, mailBackend(t))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+s.token(t, "nobody@x.edu"))
	w := s.serve(req)

	assertErrorBody(t, w, http.StatusNotFound, "User not found")
}

func TestRouter_Me(t *testing.T) {
	s := newTestStack(t, mailBackend(t))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+s.token(t, "a@x.edu", "student"))
	w := s.serve(req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
	}
	body := decodeBody[map[string]any](t, w)
	if body["user_id"] != float64(42) || body["email"] != "a@x.edu" {
		t.Errorf("body = %+v", body)
	}
}

func TestRouter_IdentityBackendUnavailable(t *testing.T) {
	s := newTestStack(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/mail/inbox", nil)
	req.Header.Set("Authorization", "Bearer "+s.token(t, "a@x.edu"))
	w := s.serve(req)

	assertErrorBody(t, w, http.StatusServiceUnavailable, "Service unavailable")
}

func TestRouter_PublicRoutes(t *testing.T) {
	s := newTestStack(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":3,"attributes":{"title":"Welcome"}}]}`))
	})

	t.Run("health", func(t *testing.T) {
		w := s.serve(httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
			t.Errorf("GET /health = %d %s", w.Code, w.Body.String())
		}
	})

	t.Run("content", func(t *testing.T) {
		w := s.serve(httptest.NewRequest(http.MethodGet, "/api/content/announcements", nil))
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Welcome") {
			t.Errorf("GET /api/content/announcements = %d %s", w.Code, w.Body.String())
		}
		if w.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Error("セキュリティヘッダーが付与されるべき")
		}
	})

	t.Run("content outside allow-list", func(t *testing.T) {
		w := s.serve(httptest.NewRequest(http.MethodGet, "/api/content/users", nil))
		assertErrorBody(t, w, http.StatusNotFound, "Unknown resource: users")
	})

	t.Run("calendar", func(t *testing.T) {
		w := s.serve(httptest.NewRequest(http.MethodGet, "/api/calendar/events", nil))
		if w.Code != http.StatusOK {
			t.Errorf("GET /api/calendar/events = %d", w.Code)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		w := s.serve(httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "gateway_hub_subscribers") {
			t.Errorf("GET /metrics = %d", w.Code)
		}
	})

	t.Run("csrf token", func(t *testing.T) {
		w := s.serve(httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))
		body := decodeBody[map[string]string](t, w)
		if body["token"] == "" {
			t.Error("CSRFトークンが返されるべき")
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/notifications", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		w := s.serve(req)
		if w.Code != http.StatusNoContent {
			t.Errorf("OPTIONS /api/notifications = %d, want %d", w.Code, http.StatusNoContent)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
			t.Errorf("Access-Control-Allow-Origin = %q", got)
		}
	})

	t.Run("logout", func(t *testing.T) {
		w := s.serve(httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
		if w.Code != http.StatusNoContent {
			t.Errorf("POST /auth/logout = %d, want %d", w.Code, http.StatusNoContent)
		}
	})
}

func TestRouter_PublishRequiresRoleAndCSRF(t *testing.T) {
	s := newTestStack(t, mailBackend(t))
	body := `{"message":"Library closes early today"}`

	t.Run("未認証は401", func(t *testing.T) {
		w := s.serve(httptest.NewRequest(http.MethodPost, "/api/notifications", strings.NewReader(body)))
		assertErrorBody(t, w, http.StatusUnauthorized, "Authentication required")
	})

	t.Run("ロールなしは403", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/notifications", strings.NewReader(body))
		req.AddCookie(&http.Cookie{Name: middleware.DefaultSessionCookieName, Value: s.token(t, "a@x.edu", "student")})
		w := s.serve(req)
		assertErrorBody(t, w, http.StatusForbidden, "Insufficient permissions")
	})

	t.Run("Cookie認証でCSRFトークンなしは403", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/notifications", strings.NewReader(body))
		req.AddCookie(&http.Cookie{Name: middleware.DefaultSessionCookieName, Value: s.token(t, "staff@x.edu", "admin")})
		w := s.serve(req)
		assertErrorBody(t, w, http.StatusForbidden, "CSRF token validation failed")
	})

	t.Run("Cookie認証でCSRFトークンありは200", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/notifications", strings.NewReader(body))
		req.AddCookie(&http.Cookie{Name: middleware.DefaultSessionCookieName, Value: s.token(t, "staff@x.edu", "admin")})
		req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "tok"})
		req.Header.Set("X-CSRF-Token", "tok")
		w := s.serve(req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}
		result := decodeBody[hub.Result](t, w)
		if result.Attempted != 0 {
			t.Errorf("attempted = %d, want 0", result.Attempted)
		}
	})

	t.Run("Cookie認証に無効なBearerを添えてもCSRF検証は省略されない", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/notifications", strings.NewReader(body))
		req.AddCookie(&http.Cookie{Name: middleware.DefaultSessionCookieName, Value: s.token(t, "staff@x.edu", "admin")})
		req.Header.Set("Authorization", "Bearer junk")
		w := s.serve(req)
		assertErrorBody(t, w, http.StatusForbidden, "CSRF token validation failed")
	})

	t.Run("Bearer認証はCSRF検証を行わない", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/notifications", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+s.token(t, "staff@x.edu", "admin"))
		w := s.serve(req)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}
	})
}

func TestRouter_PublishReachesWebSocketSubscriber(t *testing.T) {
	s := newTestStack(t, mailBackend(t))
	server := httptest.NewServer(s.router)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial がエラーを返した: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("購読者が登録されない")
		}
		time.Sleep(10 * time.Millisecond)
	}

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/notifications", strings.NewReader(`{"title":"Alert","message":"Fire drill at 3pm"}`))
	req.Header.Set("Authorization", "Bearer "+s.token(t, "staff@x.edu", "admin"))
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("POST がエラーを返した: %v", err)
	}
	defer resp.Body.Close()
	var result hub.Result
	json.NewDecoder(resp.Body).Decode(&result)
	if resp.StatusCode != http.StatusOK || result.Delivered != 1 {
		t.Fatalf("status = %d, result = %+v", resp.StatusCode, result)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read がエラーを返した: %v", err)
	}
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("通知のデコードに失敗: %v", err)
	}
	if n.Title != "Alert" || n.Message != "Fire drill at 3pm" || n.Sender != "staff@x.edu" {
		t.Errorf("notification = %+v", n)
	}
}
