// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Content backend
	ContentAPIURL          string        `env:"CONTENT_API_URL"`
	ContentAPIToken        string        `env:"CONTENT_API_TOKEN"`
	ContentTimeout         time.Duration `env:"CONTENT_TIMEOUT"           envDefault:"10s"`
	ContentMaxPageSize     int           `env:"CONTENT_MAX_PAGE_SIZE"     envDefault:"2000"`
	ContentMaxResponseSize int64         `env:"CONTENT_MAX_RESPONSE_SIZE" envDefault:"5242880"`
	ContentUserResource    string        `env:"CONTENT_USER_RESOURCE"     envDefault:"users"`
	ContentMailResource    string        `env:"CONTENT_MAIL_RESOURCE"     envDefault:"mails"`
	ContentPublicResources []string      `env:"CONTENT_PUBLIC_RESOURCES"  envDefault:"announcements,events,credits,games" envSeparator:","`

	// Calendar
	CalendarID            string        `env:"CALENDAR_ID"`
	CalendarAPIURL        string        `env:"CALENDAR_API_URL"        envDefault:"https://www.googleapis.com/calendar/v3"`
	CalendarAPIKey        string        `env:"CALENDAR_API_KEY"`
	CalendarTimeout       time.Duration `env:"CALENDAR_TIMEOUT"        envDefault:"10s"`
	CalendarDefaultWindow time.Duration `env:"CALENDAR_DEFAULT_WINDOW" envDefault:"720h"`

	// Session
	SessionSecret     string `env:"SESSION_SECRET"`
	SessionCookieName string `env:"SESSION_COOKIE_NAME" envDefault:"session_token"`
	SessionIssuer     string `env:"SESSION_ISSUER"`

	// Notifications
	PublishRole        string        `env:"PUBLISH_ROLE"         envDefault:"admin"`
	HubDeliveryTimeout time.Duration `env:"HUB_DELIVERY_TIMEOUT" envDefault:"5s"`

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`
	RateLimitPublish int `env:"RATE_LIMIT_PUBLISH" envDefault:"10"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL"    envDefault:"http://localhost:3000"`

	// Cookie
	CookieSecure bool
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS / WebSocket
	CORSAllowedOrigin string   `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
	WSAllowedOrigins  []string `env:"WS_ALLOWED_ORIGINS"  envSeparator:","`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値の形式が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	// Required fields
	var missing []string
	if strings.TrimSpace(cfg.ContentAPIURL) == "" {
		missing = append(missing, "CONTENT_API_URL")
	}
	if strings.TrimSpace(cfg.CalendarID) == "" {
		missing = append(missing, "CALENDAR_ID")
	}
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if cfg.ContentMaxPageSize <= 0 {
		return nil, fmt.Errorf("CONTENT_MAX_PAGE_SIZE must be positive: %d", cfg.ContentMaxPageSize)
	}
	if cfg.RateLimitGeneral <= 0 || cfg.RateLimitPublish <= 0 {
		return nil, fmt.Errorf("rate limits must be positive: general=%d publish=%d", cfg.RateLimitGeneral, cfg.RateLimitPublish)
	}

	cfg.ContentPublicResources = trimAll(cfg.ContentPublicResources)
	cfg.WSAllowedOrigins = trimAll(cfg.WSAllowedOrigins)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	return cfg, nil
}

// trimAll は各要素の前後の空白を除去し、空要素を取り除く。
func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
