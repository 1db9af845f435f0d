// Package model はドメインモデルとエラー型を定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError はクライアントに返す統一エラーフォーマットを表す。
// Messageはそのままレスポンスボディの error フィールドになるため、
// 上流サービスの生のエラーテキストを含めてはならない。
type APIError struct {
	Code    string // エラーコード（HTTPステータスのマッピングに使用）
	Message string // ユーザー向けメッセージ
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeIdentityNotFound   = "IDENTITY_NOT_FOUND"
	ErrCodeValidation         = "INVALID_REQUEST"
	ErrCodeResourceNotFound   = "RESOURCE_NOT_FOUND"
	ErrCodeUpstreamFailed     = "UPSTREAM_FAILED"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

var (
	// ErrAuthenticationRequired は有効なセッションが存在しないことを示す。
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrIdentityNotFound はセッションのメールアドレスに対応するバックエンドユーザーが存在しないことを示す。
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrForbidden はセッションに必要なロールがないことを示す。
	ErrForbidden = errors.New("forbidden")
)

// UpstreamError はコンテンツバックエンドまたはカレンダーサービスの失敗を表す。
// Statusは上流のHTTPステータス。到達不能の場合は0。
// Messageはログ用であり、ユーザーには返さない。
type UpstreamError struct {
	Service string
	Status  int
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s unreachable: %s", e.Service, e.Message)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.Status, e.Message)
}

// Unavailable は上流が5xxを返したか到達不能だったかを判定する。
func (e *UpstreamError) Unavailable() bool {
	return e.Status == 0 || e.Status >= 500
}

// ValidationError は入力値の不正または欠落を表す。
type ValidationError struct {
	Field  string
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewValidationError はValidationErrorを生成する。
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:    ErrCodeUnauthorized,
		Message: "Authentication required",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:    ErrCodeForbidden,
		Message: "Insufficient permissions",
	}
}

// NewIdentityNotFoundError はバックエンドユーザー未検出エラーを生成する。
func NewIdentityNotFoundError() *APIError {
	return &APIError{
		Code:    ErrCodeIdentityNotFound,
		Message: "User not found",
	}
}

// NewInvalidRequestError は入力不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:    ErrCodeValidation,
		Message: reason,
	}
}

// NewResourceNotFoundError は公開されていないリソースへのアクセスエラーを生成する。
func NewResourceNotFoundError(resource string) *APIError {
	return &APIError{
		Code:    ErrCodeResourceNotFound,
		Message: fmt.Sprintf("Unknown resource: %s", resource),
	}
}

// NewUpstreamFailedError は上流サービスの失敗を表すエラーを生成する。
func NewUpstreamFailedError() *APIError {
	return &APIError{
		Code:    ErrCodeUpstreamFailed,
		Message: "Upstream request failed",
	}
}

// NewServiceUnavailableError は上流サービスが利用不可であることを表すエラーを生成する。
func NewServiceUnavailableError() *APIError {
	return &APIError{
		Code:    ErrCodeServiceUnavailable,
		Message: "Service unavailable",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:    ErrCodeInternal,
		Message: "Internal server error",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:    ErrCodeRateLimited,
		Message: "Too many requests. Please try again later.",
	}
}

// NewCSRFError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:    ErrCodeForbidden,
		Message: "CSRF token validation failed",
	}
}
