package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/metrics"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/middleware"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/realtime"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/security"
)

// SockJSPrefix はSockJSエンドポイントのパスプレフィックス。
const SockJSPrefix = "/realtime"

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionVerifier   middleware.SessionVerifier
	SessionCookieName string
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	IdentityResolver  middleware.IdentityResolver
	PublishRole       string

	// 認証
	AuthConfig AuthHandlerConfig

	// コンテンツ
	ContentQuerier  ContentQuerier
	PublicResources []string
	MailResource    string

	// カレンダー
	EventLister    EventLister
	CalendarWindow time.Duration

	// 通知
	Publisher        Publisher
	Sanitizer        security.MessageSanitizerService
	Registry         realtime.Registry
	WebSocketOptions realtime.WebSocketOptions

	// 観測
	Metrics         metrics.MetricsCollector
	MetricsGatherer prometheus.Gatherer
	Logger          *slog.Logger
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → CORS → SecurityHeaders → Session → RateLimit(General) → Identity
//
// 公開ルート（/health, /metrics, /api/content, /api/calendar, /ws, /realtime）はSession以降を通らない。
// 購読チャネルはSecurityHeadersも通らない。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	// プリフライトはルーティング前に応答する
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthConfig)
	userHandler := NewUserHandler()
	contentHandler := NewContentHandler(deps.ContentQuerier, deps.PublicResources)
	mailHandler := NewMailHandler(deps.ContentQuerier, deps.MailResource)
	calendarHandler := NewCalendarHandler(deps.EventLister, deps.CalendarWindow)
	notificationHandler := NewNotificationHandler(deps.Publisher, deps.Sanitizer)

	r.Get("/health", Health)
	if deps.MetricsGatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// 購読チャネルにはセキュリティヘッダーを付与しない（SockJSのiframeトランスポート）
	if deps.Registry != nil {
		r.Method(http.MethodGet, "/ws", realtime.NewWebSocketHandler(deps.Registry, deps.WebSocketOptions, logger))
		r.Handle(SockJSPrefix+"/*", realtime.NewSockJSHandler(SockJSPrefix, deps.Registry, logger))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSecurityHeadersMiddleware())

		// --- 認証不要のルート ---
		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))
		r.Post("/auth/logout", authHandler.Logout)
		r.Get("/api/content/{resource}", contentHandler.List)
		r.Route("/api/calendar/events", func(r chi.Router) {
			r.Get("/", calendarHandler.ListEvents)
			r.Get("/{eventID}", calendarHandler.GetEvent)
		})

		// --- セッションが必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewSessionMiddleware(deps.SessionVerifier, deps.SessionCookieName))
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Get("/auth/me", authHandler.Me)

			// POST /api/notifications は発行ロール、CSRF、発行専用レート制限を追加
			r.With(
				middleware.NewRoleMiddleware(deps.PublishRole),
				middleware.NewCSRFMiddleware(deps.CSRFConfig),
				deps.RateLimiter.PublishMiddleware(),
			).Post("/api/notifications", notificationHandler.Publish)

			// --- ユーザーIDの解決が必要なルート ---
			r.Group(func(r chi.Router) {
				r.Use(middleware.NewIdentityMiddleware(deps.IdentityResolver))

				r.Get("/api/me", userHandler.Me)
				r.Route("/api/mail", func(r chi.Router) {
					r.Get("/outbox", mailHandler.Outbox)
					r.Get("/inbox", mailHandler.Inbox)
				})
			})
		})
	})

	return r
}

// Health はプロセスの死活を返す。上流の状態は確認しない。
// GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
