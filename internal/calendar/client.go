// Package calendar は外部カレンダーサービス（Google Calendar API v3互換）の読み取り専用アダプタを提供する。
package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/metrics"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/model"
)

const (
	// DefaultBaseURL はGoogle Calendar API v3のベースURL。
	DefaultBaseURL = "https://www.googleapis.com/calendar/v3"
	// serviceName はメトリクスとエラーで使用する上流サービス名。
	serviceName = "calendar"
	// defaultMaxPages は一覧取得で辿るページ数の上限。
	defaultMaxPages = 10
	// pageSize は1ページあたりの取得件数。
	pageSize = 250
	// maxResponseSize はレスポンスボディの上限（5MB）。
	maxResponseSize = 5 * 1024 * 1024
)

// Options はClientの設定。
type Options struct {
	BaseURL           string
	APIKey            string
	DefaultCalendarID string
	MaxPages          int
}

// Query は予定取得の条件。
// CalendarIDが空の場合は既定のカレンダーを使用する。
// EventIDが指定された場合は一覧ではなくその予定を直接取得する。
type Query struct {
	CalendarID string
	Start      time.Time
	End        time.Time
	EventID    string
}

// Client はカレンダーサービスのクライアント。状態を持たず、リトライやキャッシュは行わない。
type Client struct {
	httpClient        *http.Client
	metrics           metrics.MetricsCollector
	logger            *slog.Logger
	baseURL           string
	apiKey            string
	defaultCalendarID string
	maxPages          int
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, opts Options, m metrics.MetricsCollector, logger *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient:        httpClient,
		metrics:           m,
		logger:            logger,
		baseURL:           strings.TrimRight(opts.BaseURL, "/"),
		apiKey:            opts.APIKey,
		defaultCalendarID: opts.DefaultCalendarID,
		maxPages:          opts.MaxPages,
	}
}

// ListEvents は時間範囲 [Start, End) の予定を開始時刻順で返す。
// EventIDが指定された場合はその1件のみを返す。
// 上流の失敗は*model.UpstreamErrorとして返す。
func (c *Client) ListEvents(ctx context.Context, q Query) ([]Event, error) {
	calendarID := strings.TrimSpace(q.CalendarID)
	if calendarID == "" {
		calendarID = c.defaultCalendarID
	}
	if calendarID == "" {
		return nil, model.NewValidationError("calendarId", "no calendar configured")
	}

	if q.EventID != "" {
		ev, err := c.getEvent(ctx, calendarID, q.EventID)
		if err != nil {
			return nil, err
		}
		return []Event{*ev}, nil
	}

	if q.Start.IsZero() || q.End.IsZero() {
		return nil, model.NewValidationError("window", "start and end are required")
	}
	if !q.End.After(q.Start) {
		return nil, model.NewValidationError("window", "end must be after start")
	}

	events := make([]Event, 0)
	pageToken := ""
	for page := 0; page < c.maxPages; page++ {
		params := url.Values{}
		params.Set("timeMin", q.Start.UTC().Format(time.RFC3339))
		params.Set("timeMax", q.End.UTC().Format(time.RFC3339))
		params.Set("singleEvents", "true")
		params.Set("orderBy", "startTime")
		params.Set("maxResults", strconv.Itoa(pageSize))
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var list eventList
		if err := c.get(ctx, c.eventsPath(calendarID), params, &list); err != nil {
			return nil, err
		}
		events = append(events, list.Items...)

		if list.NextPageToken == "" {
			return events, nil
		}
		pageToken = list.NextPageToken
	}

	c.logger.Warn("calendar page limit reached",
		slog.String("calendar_id", calendarID),
		slog.Int("max_pages", c.maxPages),
		slog.Int("event_count", len(events)),
	)
	return events, nil
}

func (c *Client) getEvent(ctx context.Context, calendarID, eventID string) (*Event, error) {
	var ev Event
	if err := c.get(ctx, c.eventsPath(calendarID)+"/"+url.PathEscape(eventID), url.Values{}, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (c *Client) eventsPath(calendarID string) string {
	return c.baseURL + "/calendars/" + url.PathEscape(calendarID) + "/events"
}

// get はGETリクエストを送信し、JSONレスポンスをoutにデコードする。
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if c.apiKey != "" {
		params.Set("key", c.apiKey)
	}
	reqURL := endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create calendar request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamRequest(serviceName, 0, time.Since(start))
		c.logger.Error("calendar request failed",
			slog.String("error", err.Error()),
		)
		return &model.UpstreamError{Service: serviceName, Message: err.Error()}
	}
	defer resp.Body.Close()
	c.metrics.RecordUpstreamRequest(serviceName, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.logger.Error("failed to read calendar response",
			slog.String("error", err.Error()),
		)
		return &model.UpstreamError{Service: serviceName, Status: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		c.logger.Error("calendar service returned error status",
			slog.Int("http_status", resp.StatusCode),
			slog.String("body", msg),
		)
		return &model.UpstreamError{Service: serviceName, Status: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Error("failed to parse calendar response",
			slog.String("error", err.Error()),
		)
		return &model.UpstreamError{Service: serviceName, Status: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}
	return nil
}
