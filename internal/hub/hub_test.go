package hub

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/metrics"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

// recorder は受信したメッセージを記録する購読者。
type recorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *recorder) Deliver(ctx context.Context, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

// closingSubscriber はClose呼び出しを記録する購読者。
type closingSubscriber struct {
	recorder
	closed bool
}

func (c *closingSubscriber) Close() error {
	c.closed = true
	return nil
}

// mockMetrics は配信結果を記録するモック。
type mockMetrics struct {
	metrics.Nop
	mu          sync.Mutex
	outcomes    map[string]int
	subscribers int
	publishes   int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{outcomes: make(map[string]int)}
}

func (m *mockMetrics) RecordDelivery(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *mockMetrics) SetSubscribers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = n
}

func (m *mockMetrics) RecordPublish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishes++
}

func newTestHub(timeout time.Duration) *Hub {
	return New(Options{DeliveryTimeout: timeout}, nil, newTestLogger())
}

func TestHub_PingPongScenario(t *testing.T) {
	h := newTestHub(time.Second)
	a, b, c := &recorder{}, &recorder{}, &recorder{}
	for _, s := range []Subscriber{a, b, c} {
		if !h.Register(s) {
			t.Fatal("新しい購読者の登録は true を返すべき")
		}
	}

	res, err := h.Publish(context.Background(), "ping")
	if err != nil {
		t.Fatalf("Publish がエラーを返した: %v", err)
	}
	if res != (Result{Attempted: 3, Delivered: 3}) {
		t.Errorf("Result = %+v, want 3/3/0", res)
	}

	h.Unregister(b)

	res, err = h.Publish(context.Background(), "pong")
	if err != nil {
		t.Fatalf("Publish がエラーを返した: %v", err)
	}
	if res != (Result{Attempted: 2, Delivered: 2}) {
		t.Errorf("Result = %+v, want 2/2/0", res)
	}

	assertMessages(t, "a", a.received(), "ping", "pong")
	assertMessages(t, "b", b.received(), "ping")
	assertMessages(t, "c", c.received(), "ping", "pong")
}

func assertMessages(t *testing.T, name string, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s が受信したメッセージ = %v, want %v", name, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%s[%d] = %q, want %q", name, i, got[i], want[i])
		}
	}
}

func TestHub_FailureIsolation(t *testing.T) {
	m := newMockMetrics()
	h := New(Options{DeliveryTimeout: time.Second}, m, newTestLogger())

	good1, good2 := &recorder{}, &recorder{}
	var attempts int
	var mu sync.Mutex
	failing := NewFuncSubscriber(func(ctx context.Context, msg string) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("connection reset")
	})
	panicking := NewFuncSubscriber(func(ctx context.Context, msg string) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		panic("boom")
	})

	for _, s := range []Subscriber{good1, failing, panicking, good2} {
		h.Register(s)
	}

	res, err := h.Publish(context.Background(), "hello")
	if err != nil {
		t.Fatalf("購読者の失敗が Publish のエラーになってはならない: %v", err)
	}
	if res.Attempted != 4 || res.Delivered != 2 || res.Failed != 2 {
		t.Errorf("Result = %+v, want 4/2/2", res)
	}
	if attempts != 2 {
		t.Errorf("失敗する購読者への配信試行 = %d, want 2", attempts)
	}
	assertMessages(t, "good1", good1.received(), "hello")
	assertMessages(t, "good2", good2.received(), "hello")

	if m.outcomes[metrics.OutcomeFailed] != 1 || m.outcomes[metrics.OutcomePanic] != 1 || m.outcomes[metrics.OutcomeDelivered] != 2 {
		t.Errorf("配信結果のメトリクス = %v", m.outcomes)
	}
	if m.publishes != 1 {
		t.Errorf("publishes = %d, want 1", m.publishes)
	}

	// 失敗した購読者の登録は所有者が解除するまで残る
	if h.Len() != 4 {
		t.Errorf("Len = %d, want 4", h.Len())
	}
}

func TestHub_SameSerializedValueForAll(t *testing.T) {
	h := newTestHub(time.Second)
	subs := []*recorder{{}, {}, {}}
	for _, s := range subs {
		h.Register(s)
	}

	msg := map[string]any{"type": "announcement", "title": "Hello"}
	if _, err := h.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish がエラーを返した: %v", err)
	}

	want := `{"title":"Hello","type":"announcement"}`
	for i, s := range subs {
		assertMessages(t, "sub"+string(rune('0'+i)), s.received(), want)
	}
}

func TestHub_SerializeVariants(t *testing.T) {
	tests := []struct {
		name string
		msg  any
		want string
	}{
		{name: "文字列はそのまま", msg: "ping", want: "ping"},
		{name: "バイト列は文字列", msg: []byte("raw"), want: "raw"},
		{name: "構造体はJSON", msg: struct {
			A int `json:"a"`
		}{A: 1}, want: `{"a":1}`},
		{name: "数値はJSON", msg: 42, want: "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := serialize(tt.msg)
			if err != nil {
				t.Fatalf("serialize がエラーを返した: %v", err)
			}
			if got != tt.want {
				t.Errorf("serialize = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHub_PublishUnserializableMessage(t *testing.T) {
	h := newTestHub(time.Second)
	r := &recorder{}
	h.Register(r)

	if _, err := h.Publish(context.Background(), make(chan int)); err == nil {
		t.Fatal("直列化できないメッセージはエラーになるべき")
	}
	if len(r.received()) != 0 {
		t.Error("直列化に失敗した場合は配信してはならない")
	}
}

func TestHub_DuplicateRegistrationIsIdempotent(t *testing.T) {
	h := newTestHub(time.Second)
	h.Register(&recorder{})
	before := h.Len()

	s := &recorder{}
	if !h.Register(s) {
		t.Error("最初の登録は true を返すべき")
	}
	if h.Register(s) {
		t.Error("重複登録は false を返すべき")
	}
	if h.Len() != before+1 {
		t.Errorf("Len = %d, want %d", h.Len(), before+1)
	}

	if _, err := h.Publish(context.Background(), "once"); err != nil {
		t.Fatalf("Publish がエラーを返した: %v", err)
	}
	assertMessages(t, "s", s.received(), "once")
}

func TestHub_RegisterThenUnregisterRestoresSize(t *testing.T) {
	for start := 0; start <= 5; start++ {
		h := newTestHub(time.Second)
		for i := 0; i < start; i++ {
			h.Register(&recorder{})
		}

		s := NewFuncSubscriber(func(ctx context.Context, msg string) error { return nil })
		h.Register(s)
		h.Unregister(s)

		if h.Len() != start {
			t.Errorf("開始時 %d: Len = %d, want %d", start, h.Len(), start)
		}
	}
}

func TestHub_UnregisterIsSafeNoOp(t *testing.T) {
	h := newTestHub(time.Second)
	s := &recorder{}

	if h.Unregister(s) {
		t.Error("未登録の購読者の解除は false を返すべき")
	}
	h.Register(s)
	if !h.Unregister(s) {
		t.Error("登録済みの購読者の解除は true を返すべき")
	}
	if h.Unregister(s) {
		t.Error("二重解除は false を返すべき")
	}
	if h.Register(nil) || h.Unregister(nil) {
		t.Error("nil の購読者は無視されるべき")
	}
	if h.Len() != 0 {
		t.Errorf("Len = %d, want 0", h.Len())
	}
}

// taggedSubscriber はスライスを値で持つ比較不能な購読者。
type taggedSubscriber struct {
	tags []string
}

func (s taggedSubscriber) Deliver(ctx context.Context, msg string) error { return nil }

func TestHub_RejectsNonComparableSubscriber(t *testing.T) {
	h := newTestHub(time.Second)
	r := &recorder{}
	h.Register(r)

	sub := taggedSubscriber{tags: []string{"a"}}
	if h.Register(sub) {
		t.Error("比較不能な購読者の登録はfalseを返すべき")
	}
	if h.Unregister(sub) {
		t.Error("比較不能な購読者の解除はfalseを返すべき")
	}
	if got := h.Len(); got != 1 {
		t.Errorf("Len = %d, want 1", got)
	}

	res, err := h.Publish(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Publish がエラーを返した: %v", err)
	}
	if res.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1", res.Delivered)
	}
}

func TestHub_NilLoggerAndMetrics(t *testing.T) {
	h := New(Options{DeliveryTimeout: time.Second}, nil, nil)
	r := &recorder{}
	if !h.Register(r) {
		t.Fatal("Register = false, want true")
	}
	if _, err := h.Publish(context.Background(), "hello"); err != nil {
		t.Fatalf("Publish がエラーを返した: %v", err)
	}
	if !h.Unregister(r) {
		t.Error("Unregister = false, want true")
	}
	h.Close()
}

func TestHub_SlowSubscriberTimesOut(t *testing.T) {
	m := newMockMetrics()
	h := New(Options{DeliveryTimeout: 50 * time.Millisecond}, m, newTestLogger())

	release := make(chan struct{})
	defer close(release)
	stalled := NewFuncSubscriber(func(ctx context.Context, msg string) error {
		<-release
		return nil
	})
	fast := &recorder{}
	h.Register(stalled)
	h.Register(fast)

	start := time.Now()
	res, err := h.Publish(context.Background(), "tick")
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Publish がエラーを返した: %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("停滞した購読者が Publish を遅延させた: %v", elapsed)
	}
	if res.Delivered != 1 || res.Failed != 1 {
		t.Errorf("Result = %+v, want delivered=1 failed=1", res)
	}
	assertMessages(t, "fast", fast.received(), "tick")
	if m.outcomes[metrics.OutcomeTimeout] != 1 {
		t.Errorf("timeout outcome = %d, want 1", m.outcomes[metrics.OutcomeTimeout])
	}
}

func TestHub_UnregisterDuringPublish(t *testing.T) {
	h := newTestHub(time.Second)

	var self Subscriber
	self = NewFuncSubscriber(func(ctx context.Context, msg string) error {
		// 配信中の登録解除がデッドロックしないこと
		h.Unregister(self)
		return nil
	})
	other := &recorder{}
	h.Register(self)
	h.Register(other)

	done := make(chan Result, 1)
	go func() {
		res, _ := h.Publish(context.Background(), "bye")
		done <- res
	}()

	select {
	case res := <-done:
		if res.Attempted != 2 || res.Delivered != 2 {
			t.Errorf("Result = %+v, want 2/2", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("配信中の登録解除でデッドロックした")
	}
	if h.Len() != 1 {
		t.Errorf("Len = %d, want 1", h.Len())
	}
	assertMessages(t, "other", other.received(), "bye")
}

func TestHub_ConcurrentRegisterUnregisterPublish(t *testing.T) {
	h := newTestHub(time.Second)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := &recorder{}
			h.Register(s)
			h.Publish(context.Background(), "x")
			h.Unregister(s)
		}()
	}
	wg.Wait()

	if h.Len() != 0 {
		t.Errorf("Len = %d, want 0", h.Len())
	}
}

func TestHub_Close(t *testing.T) {
	m := newMockMetrics()
	h := New(Options{}, m, newTestLogger())
	c := &closingSubscriber{}
	h.Register(c)
	h.Register(&recorder{})

	h.Close()
	h.Close()

	if !c.closed {
		t.Error("Close を実装する購読者はクローズされるべき")
	}
	if h.Len() != 0 {
		t.Errorf("Len = %d, want 0", h.Len())
	}
	if m.subscribers != 0 {
		t.Errorf("subscribers gauge = %d, want 0", m.subscribers)
	}
	if h.Register(&recorder{}) {
		t.Error("クローズ後の登録は false を返すべき")
	}
	if _, err := h.Publish(context.Background(), "late"); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
