// Package auth はIdPが発行したセッショントークンの検証を提供する。
// コアはセッションを読み取るだけで、発行・更新・失効はIdPの責務とする。
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/model"
)

// sessionClaims はセッショントークンのクレーム。
// ロールは roles（配列）と role（単一）のどちらでも受け付ける。
type sessionClaims struct {
	jwt.RegisteredClaims
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	Role  string   `json:"role,omitempty"`
}

// Verifier はHS256で署名されたセッショントークンを検証する。
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier はVerifierを生成する。issuerが空の場合は発行者を検証しない。
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// Verify はトークンを検証し、セッションのクレームを返す。
// 署名不正・期限切れ・形式不正の場合は model.ErrAuthenticationRequired をラップしたエラーを返す。
// メールアドレスのクレームがないトークンも有効なセッションとして返す（呼び出し側で判定する）。
func (v *Verifier) Verify(token string) (*model.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, model.ErrAuthenticationRequired
	}
	if len(v.secret) == 0 {
		return nil, errors.New("session verifier is not configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, mapJWTError(err)
	}

	roles := append([]string(nil), claims.Roles...)
	if claims.Role != "" {
		roles = append(roles, claims.Role)
	}

	session := &model.Session{
		Subject: claims.Subject,
		Email:   strings.TrimSpace(claims.Email),
		Roles:   roles,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return session, nil
}

// Issue はセッションのクレームに署名したトークンを生成する。
// 開発環境とテストでIdPの代わりに使用する。
func (v *Verifier) Issue(s model.Session) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("session verifier is not configured")
	}
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.Subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(v.now()),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
		Email: s.Email,
		Roles: s.Roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// mapJWTError はjwtライブラリのエラーを認証エラーに変換する。
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: session expired", model.ErrAuthenticationRequired)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: signature is invalid", model.ErrAuthenticationRequired)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: signing method is invalid", model.ErrAuthenticationRequired)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: issuer mismatch", model.ErrAuthenticationRequired)
	}
	return fmt.Errorf("%w: session token is invalid", model.ErrAuthenticationRequired)
}
