package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/model"
)

// IdentityResolver はメールアドレスからバックエンドのユーザーIDを解決するインターフェース。
// identity.Resolverが実装する。
type IdentityResolver interface {
	Resolve(ctx context.Context, email string) (int64, error)
}

// NewIdentityMiddleware はセッションのメールアドレスをバックエンドのユーザーIDに解決し、
// リクエストコンテキストに注入するミドルウェアを返す。SessionMiddlewareの後に配置する。
// セッションやメールアドレスがない場合は上流を呼び出さずに401を返す。
func NewIdentityMiddleware(resolver IdentityResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := SessionFromContext(r.Context())
			if !ok || !session.HasEmail() {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			userID, err := resolver.Resolve(r.Context(), session.Email)
			if err != nil {
				status, apiErr := ErrorFromService(err)
				if !errors.Is(err, model.ErrIdentityNotFound) {
					slog.Error("failed to resolve identity",
						slog.String("email", session.Email),
						slog.String("error", err.Error()),
					)
				}
				WriteErrorResponse(w, status, apiErr)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), userID)))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからバックエンドのユーザーIDを取得する。
// IdentityMiddlewareを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (int64, error) {
	userID, ok := ctx.Value(userIDContextKey).(int64)
	if !ok {
		return 0, fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
func ContextWithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
