package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Error string `json:"error"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{Error: apiErr.Message})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// ErrorFromService はサービス層のエラーをHTTPステータスとAPIErrorに変換する。
// 上流のエラー本文はAPIErrorに含めない。
func ErrorFromService(err error) (int, *model.APIError) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return StatusForCode(apiErr.Code), apiErr
	}

	var validationErr *model.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, model.NewInvalidRequestError(validationErr.Error())
	}

	var upstreamErr *model.UpstreamError
	if errors.As(err, &upstreamErr) {
		if upstreamErr.Unavailable() {
			return http.StatusServiceUnavailable, model.NewServiceUnavailableError()
		}
		return http.StatusBadGateway, model.NewUpstreamFailedError()
	}

	switch {
	case errors.Is(err, model.ErrAuthenticationRequired):
		return http.StatusUnauthorized, model.NewUnauthorizedError()
	case errors.Is(err, model.ErrIdentityNotFound):
		return http.StatusNotFound, model.NewIdentityNotFoundError()
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden, model.NewForbiddenError()
	}

	return http.StatusInternalServerError, model.NewInternalError()
}

// StatusForCode はエラーコードに対応するHTTPステータスを返す。
func StatusForCode(code string) int {
	switch code {
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeIdentityNotFound, model.ErrCodeResourceNotFound:
		return http.StatusNotFound
	case model.ErrCodeValidation:
		return http.StatusBadRequest
	case model.ErrCodeUpstreamFailed:
		return http.StatusBadGateway
	case model.ErrCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
