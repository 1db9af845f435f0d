package model

import (
	"strings"
	"time"
)

// Session はIdPが発行したセッションから読み取ったクレームを表す。
// コアはセッションを読み取るだけで、更新や保存は行わない。
type Session struct {
	Subject   string
	Email     string
	Roles     []string
	ExpiresAt time.Time
}

// HasEmail はメールアドレスのクレームが空でないかを判定する。
func (s *Session) HasEmail() bool {
	return s != nil && strings.TrimSpace(s.Email) != ""
}

// HasRole は指定ロールを持っているかを判定する。大文字小文字は区別しない。
func (s *Session) HasRole(role string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}
