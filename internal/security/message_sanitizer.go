// Package security はアプリケーションのセキュリティ機能を提供する。
//
// MessageSanitizer は通知メッセージをブロードキャスト前にサニタイズし、
// 購読クライアントへのXSSを防ぐ。bluemondayの許可リストポリシーを使用する。
package security

import (
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MessageSanitizerService は通知メッセージのサニタイズ機能のインターフェース。
type MessageSanitizerService interface {
	// SanitizeText は全てのタグを除去し、前後の空白を取り除いたテキストを返す。
	SanitizeText(raw string) string
	// SanitizeHTML は許可タグ（p, br, a, ul, ol, li, strong, em, code）のみを残したHTMLを返す。
	SanitizeHTML(raw string) string
	// SanitizeLink はhttpsまたはhttpの絶対URLのみを返す。それ以外は空文字列。
	SanitizeLink(raw string) string
}

// messageSanitizer はMessageSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフに使用できる。
type messageSanitizer struct {
	text *bluemonday.Policy
	html *bluemonday.Policy
}

var _ MessageSanitizerService = (*messageSanitizer)(nil)

// NewMessageSanitizer はMessageSanitizerServiceの新しいインスタンスを生成する。
func NewMessageSanitizer() *messageSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "ul", "ol", "li", "strong", "em", "code")

	// リンクは絶対URLのみ、新しいタブで開く
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemes("https", "http", "mailto")
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &messageSanitizer{
		text: bluemonday.StrictPolicy(),
		html: p,
	}
}

// SanitizeText は全てのタグを除去したテキストを返す。
// StrictPolicyはHTMLエスケープを行うため、&などはエンティティとして残る。
func (s *messageSanitizer) SanitizeText(raw string) string {
	return strings.TrimSpace(s.text.Sanitize(raw))
}

// SanitizeHTML は許可タグのみを残したHTMLを返す。
func (s *messageSanitizer) SanitizeHTML(raw string) string {
	return strings.TrimSpace(s.html.Sanitize(raw))
}

// SanitizeLink はhttp(s)の絶対URLのみを返す。
func (s *messageSanitizer) SanitizeLink(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ""
	}
	return u.String()
}
