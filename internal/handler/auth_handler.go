// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"net/http"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/middleware"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/model"
)

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieName   string
	CookieDomain string
	CookieSecure bool
}

// AuthHandler はセッション関連のHTTPハンドラー。
// セッションの発行はIdPが行うため、ここでは参照と破棄のみを扱う。
type AuthHandler struct {
	config AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(config AuthHandlerConfig) *AuthHandler {
	if config.CookieName == "" {
		config.CookieName = middleware.DefaultSessionCookieName
	}
	return &AuthHandler{config: config}
}

// sessionResponse はセッション情報のレスポンス。
type sessionResponse struct {
	Subject string   `json:"subject,omitempty"`
	Email   string   `json:"email"`
	Roles   []string `json:"roles"`
}

func toSessionResponse(s *model.Session) sessionResponse {
	roles := s.Roles
	if roles == nil {
		roles = []string{}
	}
	return sessionResponse{Subject: s.Subject, Email: s.Email, Roles: roles}
}

// Me は現在のセッション情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// Logout はセッションCookieを削除する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.CookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}
