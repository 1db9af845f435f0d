// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/model"
)

// DefaultSessionCookieName はIdPが発行するセッションCookieの既定名。
const DefaultSessionCookieName = "session_token"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// sessionContextKey はリクエストコンテキストにセッションを格納するためのキー。
	sessionContextKey = contextKey("session")
	// userIDContextKey はリクエストコンテキストにバックエンドのユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
)

// SessionVerifier はセッショントークンの検証に必要なインターフェース。
// auth.Verifierが実装する。
type SessionVerifier interface {
	Verify(token string) (*model.Session, error)
}

// NewSessionMiddleware はCookieまたはAuthorizationヘッダーからセッショントークンを読み取り、
// 検証するミドルウェアを返す。
// 検証済みのセッションをリクエストコンテキストに注入する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewSessionMiddleware(verifier SessionVerifier, cookieName string) func(next http.Handler) http.Handler {
	if cookieName == "" {
		cookieName = DefaultSessionCookieName
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. トークンを取得（Cookie優先）
			token := sessionToken(r, cookieName)
			if token == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			// 2. トークンを検証
			session, err := verifier.Verify(token)
			if err != nil {
				if !errors.Is(err, model.ErrAuthenticationRequired) {
					slog.Error("failed to verify session", slog.String("error", err.Error()))
				}
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			// 3. セッションをコンテキストに注入
			setLogEmail(r.Context(), session.Email)
			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session)))
		})
	}
}

// NewRoleMiddleware はセッションが指定ロールを持つ場合のみ通過させるミドルウェアを返す。
// SessionMiddlewareの後に配置する。ロールがない場合は403 Forbiddenを返す。
func NewRoleMiddleware(role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := SessionFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if !session.HasRole(role) {
				slog.Warn("role check failed",
					slog.String("email", session.Email),
					slog.String("required_role", role),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// sessionToken はCookie、次にBearerトークンの順でセッショントークンを取り出す。
func sessionToken(r *http.Request, cookieName string) string {
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "Bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func SessionFromContext(ctx context.Context) (*model.Session, bool) {
	session, ok := ctx.Value(sessionContextKey).(*model.Session)
	return session, ok && session != nil
}

// ContextWithSession はコンテキストにセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, session *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}
