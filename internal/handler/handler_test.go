package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/calendar"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/content"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/hub"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/middleware"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/model"
	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/query"
)

// querierCall はmockContentQuerierへの1回の呼び出し。
type querierCall struct {
	resource string
	params   url.Values
}

// mockContentQuerier はContentQuerierのモック。
type mockContentQuerier struct {
	mu        sync.Mutex
	calls     []querierCall
	executeFn func(ctx context.Context, resource string, spec query.Spec) (*content.Envelope, error)
}

func (m *mockContentQuerier) Execute(ctx context.Context, resource string, spec query.Spec) (*content.Envelope, error) {
	m.mu.Lock()
	m.calls = append(m.calls, querierCall{resource: resource, params: spec.Values()})
	m.mu.Unlock()
	if m.executeFn != nil {
		return m.executeFn(ctx, resource, spec)
	}
	return &content.Envelope{Data: []content.Record{}}, nil
}

func (m *mockContentQuerier) lastCall(t *testing.T) querierCall {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		t.Fatal("ContentQuerier.Execute が呼ばれていない")
	}
	return m.calls[len(m.calls)-1]
}

func (m *mockContentQuerier) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// mockEventLister はEventListerのモック。
type mockEventLister struct {
	queries      []calendar.Query
	listEventsFn func(ctx context.Context, q calendar.Query) ([]calendar.Event, error)
}

func (m *mockEventLister) ListEvents(ctx context.Context, q calendar.Query) ([]calendar.Event, error) {
	m.queries = append(m.queries, q)
	if m.listEventsFn != nil {
		return m.listEventsFn(ctx, q)
	}
	return nil, nil
}

// mockPublisher はPublisherのモック。
type mockPublisher struct {
	messages  []any
	publishFn func(ctx context.Context, msg any) (hub.Result, error)
}

func (m *mockPublisher) Publish(ctx context.Context, msg any) (hub.Result, error) {
	m.messages = append(m.messages, msg)
	if m.publishFn != nil {
		return m.publishFn(ctx, msg)
	}
	return hub.Result{}, nil
}

// withSession はセッションとユーザーIDをコンテキストに設定したリクエストを返す。
// userIDが0の場合はユーザーIDを設定しない。
func withSession(r *http.Request, email string, userID int64, roles ...string) *http.Request {
	ctx := middleware.ContextWithSession(r.Context(), &model.Session{
		Subject: "sub-" + email,
		Email:   email,
		Roles:   roles,
	})
	if userID != 0 {
		ctx = middleware.ContextWithUserID(ctx, userID)
	}
	return r.WithContext(ctx)
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v (body=%q)", err, w.Body.String())
	}
	return v
}

func assertErrorBody(t *testing.T, w *httptest.ResponseRecorder, wantStatus int, wantMessage string) {
	t.Helper()
	if w.Code != wantStatus {
		t.Fatalf("status = %d, want %d (body=%s)", w.Code, wantStatus, w.Body.String())
	}
	body := decodeBody[middleware.ErrorResponseBody](t, w)
	if wantMessage != "" && body.Error != wantMessage {
		t.Errorf("error = %q, want %q", body.Error, wantMessage)
	}
}
