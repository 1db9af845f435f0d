package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/middleware"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// 上流の失敗と内部エラーの詳細はログのみに記録する。
func handleServiceError(w http.ResponseWriter, err error) {
	statusCode, apiErr := middleware.ErrorFromService(err)

	var upstreamErr *model.UpstreamError
	switch {
	case errors.As(err, &upstreamErr):
		slog.Error("upstream request failed",
			slog.String("service", upstreamErr.Service),
			slog.Int("upstream_status", upstreamErr.Status),
			slog.String("error", err.Error()),
		)
	case statusCode >= http.StatusInternalServerError:
		slog.Error("internal server error", slog.String("error", err.Error()))
	}

	writeAPIErrorResponse(w, statusCode, apiErr)
}
