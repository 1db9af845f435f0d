// Package content はヘッドレスCMS（コンテンツバックエンド）へのゲートウェイを提供する。
// query.Specを上流のクエリ文字列に変換して送信し、レスポンスを統一形式に正規化する。
package content

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/metrics"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/model"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/query"
)

const (
	// serviceName はメトリクスとエラーで使用する上流サービス名。
	serviceName = "content"
	// DefaultMaxPageSize は1リクエストで取得できるレコード数の既定上限。
	DefaultMaxPageSize = 2000
	// DefaultMaxResponseSize はレスポンスボディの既定上限（5MB）。
	DefaultMaxResponseSize = 5 * 1024 * 1024
	// maxLoggedBodySize はログに残す上流エラーボディの最大長。
	maxLoggedBodySize = 512
)

// Options はClientの設定。
type Options struct {
	BaseURL         string // 例: https://cms.example.com/api
	Token           string // APIトークン。空の場合はAuthorizationヘッダーを付与しない
	MaxPageSize     int
	MaxResponseSize int64
}

// Client はコンテンツバックエンドのクライアント。
// リクエストごとに状態を持たないため、複数のgoroutineから同時に使用できる。
type Client struct {
	httpClient      *http.Client
	metrics         metrics.MetricsCollector
	logger          *slog.Logger
	baseURL         string
	token           string
	maxPageSize     int
	maxResponseSize int64
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, opts Options, m metrics.MetricsCollector, logger *slog.Logger) *Client {
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = DefaultMaxPageSize
	}
	if opts.MaxResponseSize <= 0 {
		opts.MaxResponseSize = DefaultMaxResponseSize
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient:      httpClient,
		metrics:         m,
		logger:          logger,
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		token:           opts.Token,
		maxPageSize:     opts.MaxPageSize,
		maxResponseSize: opts.MaxResponseSize,
	}
}

// Execute はリソース（コレクション）に対してクエリを実行し、正規化済みのレスポンスを返す。
// ページサイズは上限で切り詰められる。上流の失敗は*model.UpstreamErrorとして返す。
func (c *Client) Execute(ctx context.Context, resource string, spec query.Spec) (*Envelope, error) {
	if err := validateResource(resource); err != nil {
		return nil, err
	}

	if capped, ok := spec.CapPageSize(c.maxPageSize); ok {
		c.logger.Warn("page size capped",
			slog.String("resource", resource),
			slog.Int("max_page_size", c.maxPageSize),
		)
		c.metrics.RecordPageSizeCapped(resource)
		spec = capped
	}

	reqURL := c.baseURL + "/" + url.PathEscape(resource)
	if encoded := spec.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create content request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamRequest(serviceName, 0, time.Since(start))
		c.logger.Error("content backend request failed",
			slog.String("resource", resource),
			slog.String("error", err.Error()),
		)
		return nil, &model.UpstreamError{Service: serviceName, Message: err.Error()}
	}
	defer resp.Body.Close()
	c.metrics.RecordUpstreamRequest(serviceName, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseSize+1))
	if err != nil {
		c.logger.Error("failed to read content response",
			slog.String("resource", resource),
			slog.String("error", err.Error()),
		)
		return nil, &model.UpstreamError{Service: serviceName, Status: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("content backend returned error status",
			slog.String("resource", resource),
			slog.Int("http_status", resp.StatusCode),
			slog.String("body", truncate(string(body), maxLoggedBodySize)),
		)
		return nil, &model.UpstreamError{
			Service: serviceName,
			Status:  resp.StatusCode,
			Message: truncate(string(body), maxLoggedBodySize),
		}
	}

	if int64(len(body)) > c.maxResponseSize {
		c.logger.Error("content response exceeds size limit",
			slog.String("resource", resource),
			slog.Int64("max_response_size", c.maxResponseSize),
		)
		return nil, &model.UpstreamError{
			Service: serviceName,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("response exceeds %d bytes", c.maxResponseSize),
		}
	}

	env, err := decodeEnvelope(body)
	if err != nil {
		c.logger.Error("failed to parse content response",
			slog.String("resource", resource),
			slog.String("error", err.Error()),
		)
		return nil, &model.UpstreamError{Service: serviceName, Status: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}
	return env, nil
}

// validateResource はリソース名がパスとして安全かを検証する。
func validateResource(resource string) error {
	if resource == "" {
		return model.NewValidationError("resource", "must not be empty")
	}
	for _, r := range resource {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return model.NewValidationError("resource", fmt.Sprintf("invalid resource name %q", resource))
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
