// Package identity はセッションのメールアドレスをコンテンツバックエンドのユーザーIDに解決する。
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/content"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/model"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/query"
)

// DefaultUserResource はユーザーレコードを保持するコレクション名の既定値。
const DefaultUserResource = "users"

// ContentQuerier はコンテンツバックエンドへのクエリ実行のインターフェース。
type ContentQuerier interface {
	Execute(ctx context.Context, resource string, spec query.Spec) (*content.Envelope, error)
}

// Resolver はメールアドレスからバックエンドのユーザーIDを解決する。
// 結果はキャッシュせず、呼び出しごとに上流を参照する。
type Resolver struct {
	querier  ContentQuerier
	resource string
	logger   *slog.Logger
}

// NewResolver はResolverの新しいインスタンスを生成する。
func NewResolver(querier ContentQuerier, resource string, logger *slog.Logger) *Resolver {
	if resource == "" {
		resource = DefaultUserResource
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{querier: querier, resource: resource, logger: logger}
}

// Resolve はメールアドレスに一致するユーザーのIDを返す。
// 空のメールアドレスは上流を呼び出さずに model.ErrIdentityNotFound を返す。
// 一致するユーザーがいない場合も model.ErrIdentityNotFound を返す。
// 上流の失敗は *model.UpstreamError のまま返し、未検出とは区別する。
func (r *Resolver) Resolve(ctx context.Context, email string) (int64, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return 0, model.ErrIdentityNotFound
	}

	spec, err := query.New().
		Fields("id", "email").
		Where(query.Eq("email", email)).
		Build()
	if err != nil {
		return 0, fmt.Errorf("failed to build identity query: %w", err)
	}

	env, err := r.querier.Execute(ctx, r.resource, spec)
	if err != nil {
		var ue *model.UpstreamError
		if errors.As(err, &ue) {
			r.logger.Warn("identity lookup failed",
				slog.String("error", ue.Error()),
			)
		}
		return 0, err
	}

	for _, rec := range env.Data {
		if id, ok := rec.ID(); ok {
			return id, nil
		}
	}
	return 0, model.ErrIdentityNotFound
}
