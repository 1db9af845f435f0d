package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/hub"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/middleware"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/model"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/security"
)

// maxNotificationBodySize は通知リクエストボディの上限。
const maxNotificationBodySize = 64 * 1024

// Publisher は接続中の全購読者へのブロードキャストインターフェース。
// hub.Hubが実装する。
type Publisher interface {
	Publish(ctx context.Context, msg any) (hub.Result, error)
}

// NotificationHandler は通知のパブリッシュを受け付けるHTTPハンドラー。
type NotificationHandler struct {
	publisher Publisher
	sanitizer security.MessageSanitizerService
	now       func() time.Time
}

// NewNotificationHandler はNotificationHandlerを生成する。
func NewNotificationHandler(publisher Publisher, sanitizer security.MessageSanitizerService) *NotificationHandler {
	return &NotificationHandler{publisher: publisher, sanitizer: sanitizer, now: time.Now}
}

// notificationRequest は通知パブリッシュのリクエストボディ。
type notificationRequest struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Link    string `json:"link"`
}

// Notification は購読者に配信する通知。
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message"`
	Link      string    `json:"link,omitempty"`
	Sender    string    `json:"sender"`
	CreatedAt time.Time `json:"createdAt"`
}

// publishResponse はパブリッシュ結果のレスポンス。
type publishResponse struct {
	ID string `json:"id"`
	hub.Result
}

// Publish は通知をサニタイズし、接続中の全購読者に配信する。
// 配信結果（attempted, delivered, failed）を返す。
// POST /api/notifications
func (h *NotificationHandler) Publish(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req notificationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxNotificationBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("Invalid request body"))
		return
	}

	n := Notification{
		ID:        uuid.NewString(),
		Title:     h.sanitizer.SanitizeText(req.Title),
		Message:   h.sanitizer.SanitizeHTML(req.Message),
		Link:      h.sanitizer.SanitizeLink(req.Link),
		Sender:    session.Email,
		CreatedAt: h.now().UTC(),
	}
	if h.sanitizer.SanitizeText(n.Message) == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("message is required"))
		return
	}
	if req.Link != "" && n.Link == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("link must be an absolute http(s) URL"))
		return
	}

	// クライアントの切断で配信を中断しない。各配信はHubのタイムアウトで制限される。
	result, err := h.publisher.Publish(context.WithoutCancel(r.Context()), n)
	if err != nil {
		if errors.Is(err, hub.ErrClosed) {
			writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewServiceUnavailableError())
			return
		}
		handleServiceError(w, err)
		return
	}

	slog.Info("notification published",
		slog.String("notification_id", n.ID),
		slog.String("sender", session.Email),
		slog.Int("attempted", result.Attempted),
		slog.Int("delivered", result.Delivered),
		slog.Int("failed", result.Failed),
	)
	writeJSON(w, http.StatusOK, publishResponse{ID: n.ID, Result: result})
}
