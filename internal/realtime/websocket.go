// Package realtime はBroadcast Hubの購読チャネル（WebSocketとSockJS）を提供する。
// 接続ごとに購読者を1つ登録し、接続が終了したら必ず1回だけ登録を解除する。
package realtime

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/hub"
)

// Registry は購読者の登録・解除のインターフェース。*hub.Hubが実装する。
type Registry interface {
	Register(s hub.Subscriber) bool
	Unregister(s hub.Subscriber) bool
}

var _ Registry = (*hub.Hub)(nil)

// wsSubscriber はWebSocket接続への配信を行う購読者。
type wsSubscriber struct {
	conn *websocket.Conn
}

// Deliver はテキストメッセージを送信する。ctxの期限切れで接続はクローズされる。
func (s *wsSubscriber) Deliver(ctx context.Context, msg string) error {
	return s.conn.Write(ctx, websocket.MessageText, []byte(msg))
}

// Close はサーバー終了時に接続をクローズする。
func (s *wsSubscriber) Close() error {
	return s.conn.Close(websocket.StatusGoingAway, "server shutting down")
}

// WebSocketOptions はWebSocketハンドラーの設定。
type WebSocketOptions struct {
	// OriginPatterns は許可するOriginのパターン。空の場合は同一オリジンのみ許可する。
	OriginPatterns []string
}

// WebSocketHandler はWebSocketでの購読を受け付けるハンドラー。
type WebSocketHandler struct {
	registry Registry
	opts     WebSocketOptions
	logger   *slog.Logger
}

// NewWebSocketHandler はWebSocketHandlerを生成する。
func NewWebSocketHandler(registry Registry, opts WebSocketOptions, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{registry: registry, opts: opts, logger: logger}
}

// ServeHTTP は接続を受け付け、クライアントが切断するまで購読者として登録する。
// クライアントからのメッセージは読み捨てる。
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	sub := &wsSubscriber{conn: conn}
	if !h.registry.Register(sub) {
		_ = conn.Close(websocket.StatusTryAgainLater, "not accepting subscribers")
		return
	}
	defer h.registry.Unregister(sub)

	// CloseReadは受信を読み捨て、切断時にキャンセルされるコンテキストを返す
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
	_ = conn.Close(websocket.StatusNormalClosure, "closed")
}
