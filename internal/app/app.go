// Package app はゲートウェイの起動とワイヤリングを行う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/auth"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/calendar"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/config"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/content"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/handler"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/hub"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/identity"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/logger"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/metrics"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/middleware"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/realtime"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/security"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/telemetry"
)

const (
	// serviceName はトレースとログで使用するサービス名。
	serviceName = "content-gateway"
	// shutdownTimeout はグレースフルシャットダウンの待ち時間の上限。
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込んだ後、設定されたログレベルを反映する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	// SIGINTまたはSIGTERMでグレースフルシャットダウンを開始する
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runServe(ctx, cfg)
}

// Server はワイヤリング済みのHTTPハンドラーと、終了時に解放するリソースをまとめる。
type Server struct {
	Handler http.Handler
	Hub     *hub.Hub

	rateLimiter *middleware.RateLimiter
}

// Close はハブの購読者を切断し、レート制限のクリーンアップを停止する。
func (s *Server) Close() {
	s.Hub.Close()
	s.rateLimiter.Stop()
}

// NewServer は設定から全依存関係をワイヤリングし、ルーターを構成する。
// 上流への接続はリクエスト時まで行わない。
func NewServer(cfg *config.Config, log *slog.Logger, reg *prometheus.Registry) *Server {
	collector := metrics.NewCollector(reg)

	// 1. 上流クライアント（otelhttpでトレースを伝播する）
	contentClient := content.NewClient(
		&http.Client{Timeout: cfg.ContentTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		content.Options{
			BaseURL:         cfg.ContentAPIURL,
			Token:           cfg.ContentAPIToken,
			MaxPageSize:     cfg.ContentMaxPageSize,
			MaxResponseSize: cfg.ContentMaxResponseSize,
		},
		collector, log,
	)
	calendarClient := calendar.NewClient(
		&http.Client{Timeout: cfg.CalendarTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		calendar.Options{
			BaseURL:           cfg.CalendarAPIURL,
			APIKey:            cfg.CalendarAPIKey,
			DefaultCalendarID: cfg.CalendarID,
		},
		collector, log,
	)

	// 2. ドメインサービス
	resolver := identity.NewResolver(contentClient, cfg.ContentUserResource, log)
	broadcast := hub.New(hub.Options{DeliveryTimeout: cfg.HubDeliveryTimeout}, collector, log)
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitPublish))

	// 3. ルーター
	deps := &handler.RouterDeps{
		SessionVerifier:   auth.NewVerifier(cfg.SessionSecret, cfg.SessionIssuer),
		SessionCookieName: cfg.SessionCookieName,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure:      cfg.CookieSecure,
			CookieDomain:      cfg.CookieDomain,
			SessionCookieName: cfg.SessionCookieName,
		},
		RateLimiter:      rateLimiter,
		IdentityResolver: resolver,
		PublishRole:      cfg.PublishRole,

		AuthConfig: handler.AuthHandlerConfig{
			CookieName:   cfg.SessionCookieName,
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
		},

		ContentQuerier:  contentClient,
		PublicResources: cfg.ContentPublicResources,
		MailResource:    cfg.ContentMailResource,

		EventLister:    calendarClient,
		CalendarWindow: cfg.CalendarDefaultWindow,

		Publisher:        broadcast,
		Sanitizer:        security.NewMessageSanitizer(),
		Registry:         broadcast,
		WebSocketOptions: realtime.WebSocketOptions{OriginPatterns: cfg.WSAllowedOrigins},

		Metrics:         collector,
		MetricsGatherer: reg,
		Logger:          log,
	}

	return &Server{
		Handler:     otelhttp.NewHandler(handler.NewRouter(deps), serviceName),
		Hub:         broadcast,
		rateLimiter: rateLimiter,
	}
}

// runServe はゲートウェイサーバーを起動し、ctxがキャンセルされるまでブロックする。
// キャンセル後は新規リクエストの受付を止め、処理中のリクエストを待ってから購読者を切断する。
func runServe(ctx context.Context, cfg *config.Config) error {
	shutdownTracing := telemetry.Setup(serviceName)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("failed to shutdown tracer provider", slog.String("error", err.Error()))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := NewServer(cfg, slog.Default(), reg)
	defer srv.Close()

	// 購読接続は長時間維持されるため、ReadTimeoutとWriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           srv.Handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down gateway server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// ハイジャック済みの購読接続はShutdownの対象外のため、先にハブを閉じて切断する
	srv.Hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("gateway server stopped gracefully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
