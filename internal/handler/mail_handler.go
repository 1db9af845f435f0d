package handler

import (
	"net/http"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/middleware"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/model"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/query"
)

// DefaultMailResource はメールを保持するコレクション名の既定値。
const DefaultMailResource = "mails"

// mailParticipantFields は送信者・受信者として展開するユーザーのフィールド。
var mailParticipantFields = []string{"email", "username"}

// MailHandler は認証済みユーザーの送受信メールを返すHTTPハンドラー。
// 送信者・受信者の条件は常にサーバー側で解決したユーザーIDから付与する。
type MailHandler struct {
	querier  ContentQuerier
	resource string
}

// NewMailHandler はMailHandlerを生成する。
func NewMailHandler(querier ContentQuerier, resource string) *MailHandler {
	if resource == "" {
		resource = DefaultMailResource
	}
	return &MailHandler{querier: querier, resource: resource}
}

// Outbox は自分が送信したメールを返す。
// GET /api/mail/outbox
func (h *MailHandler) Outbox(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, "sender.id")
}

// Inbox は自分が受信者に含まれるメールを返す。
// GET /api/mail/inbox
func (h *MailHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, "recipients.id")
}

func (h *MailHandler) list(w http.ResponseWriter, r *http.Request, scopePath string) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	b := query.New().
		Scope(query.Eq(scopePath, userID)).
		Populate(
			query.Relation{Name: "sender", Fields: mailParticipantFields},
			query.Relation{Name: "recipients", Fields: mailParticipantFields},
		).
		DefaultSort("createdAt", query.Desc)
	if err := query.ApplyClientParams(b, r.URL.Query()); err != nil {
		handleServiceError(w, err)
		return
	}
	spec, err := b.Build()
	if err != nil {
		handleServiceError(w, err)
		return
	}

	env, err := h.querier.Execute(r.Context(), h.resource, spec)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}
