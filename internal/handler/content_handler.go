package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/content"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/model"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/query"
)

// ContentQuerier はコンテンツバックエンドへのクエリ実行インターフェース。
// content.Clientが実装する。
type ContentQuerier interface {
	Execute(ctx context.Context, resource string, spec query.Spec) (*content.Envelope, error)
}

// ContentHandler は公開コレクションを返すHTTPハンドラー。
type ContentHandler struct {
	querier   ContentQuerier
	resources map[string]bool
}

// NewContentHandler はContentHandlerを生成する。
// resourcesに含まれないコレクションへのリクエストは404になる。
func NewContentHandler(querier ContentQuerier, resources []string) *ContentHandler {
	allowed := make(map[string]bool, len(resources))
	for _, r := range resources {
		allowed[r] = true
	}
	return &ContentHandler{querier: querier, resources: allowed}
}

// List は公開コレクションのレコードを返す。
// クライアントは fields、populate、filters、sort、ページネーションを指定できる。
// GET /api/content/{resource}
func (h *ContentHandler) List(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	if !h.resources[resource] {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewResourceNotFoundError(resource))
		return
	}

	b := query.New().DefaultSort("createdAt", query.Desc)
	if err := query.ApplyClientParams(b, r.URL.Query()); err != nil {
		handleServiceError(w, err)
		return
	}
	spec, err := b.Build()
	if err != nil {
		handleServiceError(w, err)
		return
	}

	env, err := h.querier.Execute(r.Context(), resource, spec)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}
