package realtime

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/igm/sockjs-go/sockjs"
)

// sockjsGoingAway はサーバー終了時のSockJSクローズコード。
const sockjsGoingAway = 3001

// sockjsSubscriber はSockJSセッションへの配信を行う購読者。
type sockjsSubscriber struct {
	session sockjs.Session
}

// Deliver はメッセージをセッションの送信キューに積む。
func (s *sockjsSubscriber) Deliver(ctx context.Context, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.session.Send(msg)
}

// Close はサーバー終了時にセッションをクローズする。
func (s *sockjsSubscriber) Close() error {
	return s.session.Close(sockjsGoingAway, "server shutting down")
}

// NewSockJSHandler はprefix配下でSockJSによる購読を受け付けるハンドラーを生成する。
// WebSocketが使えないクライアント向けのフォールバックチャネル。
func NewSockJSHandler(prefix string, registry Registry, logger *slog.Logger) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		sub := &sockjsSubscriber{session: session}
		if !registry.Register(sub) {
			_ = session.Close(sockjsGoingAway, "not accepting subscribers")
			return
		}
		defer registry.Unregister(sub)

		logger.Debug("sockjs session opened", slog.String("session_id", session.ID()))
		for {
			if _, err := session.Recv(); err != nil {
				logger.Debug("sockjs session closed",
					slog.String("session_id", session.ID()),
					slog.String("reason", err.Error()),
				)
				return
			}
		}
	})
}
