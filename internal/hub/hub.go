// Package hub はリアルタイム接続の購読者レジストリとブロードキャストを提供する。
//
// Hubはプロセスのライフサイクルが所有するサービスオブジェクトで、
// Register、Unregister、Publishのみがレジストリを変更する。
// 配信はレジストリのスナップショットに対してロックの外で並行に行われ、
// 1つの購読者の失敗や停滞が他の購読者への配信や登録・解除を妨げない。
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ministry-of-Technology-AU/next-platform-sub004/internal/metrics"
)

// DefaultDeliveryTimeout は購読者1件あたりの配信タイムアウトの既定値。
const DefaultDeliveryTimeout = 5 * time.Second

// ErrClosed はクローズ済みのHubに対する操作を示す。
var ErrClosed = errors.New("hub is closed")

// Subscriber は1つのライブ接続への配信を表す。
// 実装はマップのキーとして比較可能でなければならない（通常はポインタ型）。
type Subscriber interface {
	Deliver(ctx context.Context, msg string) error
}

// funcSubscriber は関数をSubscriberとして扱うアダプタ。
type funcSubscriber struct {
	fn func(ctx context.Context, msg string) error
}

func (f *funcSubscriber) Deliver(ctx context.Context, msg string) error {
	return f.fn(ctx, msg)
}

// NewFuncSubscriber は関数からSubscriberを生成する。
// 呼び出しごとに異なる購読者として扱われる。
func NewFuncSubscriber(fn func(ctx context.Context, msg string) error) Subscriber {
	return &funcSubscriber{fn: fn}
}

// Result は1回のPublishの配信結果。
type Result struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Options はHubの設定。
type Options struct {
	// DeliveryTimeout は購読者1件あたりの配信時間の上限。0以下の場合はタイムアウトしない。
	DeliveryTimeout time.Duration
}

// Hub は購読者レジストリ。複数のgoroutineから同時に使用できる。
type Hub struct {
	mu          sync.Mutex
	subscribers map[Subscriber]string
	closed      bool

	timeout time.Duration
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// New はHubの新しいインスタンスを生成する。
func New(opts Options, m metrics.MetricsCollector, logger *slog.Logger) *Hub {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[Subscriber]string),
		timeout:     opts.DeliveryTimeout,
		metrics:     m,
		logger:      logger,
	}
}

// Register は購読者を登録する。新たに登録された場合はtrueを返す。
// 登録済みの購読者の再登録は何もしない。クローズ済みのHubには登録できない。
func (h *Hub) Register(s Subscriber) bool {
	if s == nil {
		return false
	}
	if !isComparable(s) {
		h.logger.Warn("subscriber rejected: handle is not comparable",
			slog.String("type", fmt.Sprintf("%T", s)),
		)
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	if _, ok := h.subscribers[s]; ok {
		return false
	}
	id := uuid.NewString()
	h.subscribers[s] = id
	h.metrics.SetSubscribers(len(h.subscribers))
	h.logger.Debug("subscriber registered",
		slog.String("subscriber_id", id),
		slog.Int("subscribers", len(h.subscribers)),
	)
	return true
}

// Unregister は購読者の登録を解除する。解除された場合はtrueを返す。
// 未登録の購読者に対しては何もしない。
func (h *Hub) Unregister(s Subscriber) bool {
	if s == nil || !isComparable(s) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	id, ok := h.subscribers[s]
	if !ok {
		return false
	}
	delete(h.subscribers, s)
	h.metrics.SetSubscribers(len(h.subscribers))
	h.logger.Debug("subscriber unregistered",
		slog.String("subscriber_id", id),
		slog.Int("subscribers", len(h.subscribers)),
	)
	return true
}

// isComparable はsをレジストリのキーに使えるかを返す。
// スライスやマップを値で持つ購読者は登録できない。
func isComparable(s Subscriber) bool {
	return reflect.TypeOf(s).Comparable()
}

// Len は登録中の購読者数を返す。
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Publish はメッセージを一度だけ直列化し、呼び出し時点で登録されている全購読者に同じ値を配信する。
// 購読者ごとの失敗、タイムアウト、panicは Result.Failed に数えられ、他の購読者への配信には影響しない。
// エラーを返すのはメッセージを直列化できない場合とHubがクローズ済みの場合のみ。
func (h *Hub) Publish(ctx context.Context, msg any) (Result, error) {
	text, err := serialize(msg)
	if err != nil {
		return Result{}, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return Result{}, ErrClosed
	}
	type entry struct {
		sub Subscriber
		id  string
	}
	snapshot := make([]entry, 0, len(h.subscribers))
	for s, id := range h.subscribers {
		snapshot = append(snapshot, entry{sub: s, id: id})
	}
	h.mu.Unlock()

	h.metrics.RecordPublish()

	outcomes := make([]string, len(snapshot))
	var wg sync.WaitGroup
	for i, e := range snapshot {
		wg.Add(1)
		go func(i int, s Subscriber, id string) {
			defer wg.Done()
			outcomes[i] = h.deliver(ctx, s, id, text)
		}(i, e.sub, e.id)
	}
	wg.Wait()

	res := Result{Attempted: len(snapshot)}
	for _, outcome := range outcomes {
		h.metrics.RecordDelivery(outcome)
		if outcome == metrics.OutcomeDelivered {
			res.Delivered++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

// deliver は1購読者への配信を行い、結果のラベルを返す。
// タイムアウトした配信の完了は待たない。
func (h *Hub) deliver(ctx context.Context, s Subscriber, id, text string) string {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	done := make(chan string, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("subscriber panicked during delivery",
					slog.String("subscriber_id", id),
					slog.String("panic", fmt.Sprint(r)),
				)
				done <- metrics.OutcomePanic
			}
		}()
		if err := s.Deliver(ctx, text); err != nil {
			h.logger.Warn("delivery failed",
				slog.String("subscriber_id", id),
				slog.String("error", err.Error()),
			)
			done <- metrics.OutcomeFailed
			return
		}
		done <- metrics.OutcomeDelivered
	}()

	select {
	case outcome := <-done:
		return outcome
	case <-ctx.Done():
		h.logger.Warn("delivery timed out",
			slog.String("subscriber_id", id),
			slog.String("error", ctx.Err().Error()),
		)
		return metrics.OutcomeTimeout
	}
}

// Close はHubをクローズし、全購読者の登録を解除する。
// io.Closerを実装する購読者はクローズされる。2回目以降の呼び出しは何もしない。
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]Subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	h.subscribers = make(map[Subscriber]string)
	h.metrics.SetSubscribers(0)
	h.mu.Unlock()

	for _, s := range subs {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				h.logger.Warn("failed to close subscriber", slog.String("error", err.Error()))
			}
		}
	}
	h.logger.Info("hub closed", slog.Int("subscribers", len(subs)))
}

// serialize はメッセージを配信用の文字列に変換する。
// 文字列とバイト列はそのまま、それ以外はJSONに変換する。
func serialize(msg any) (string, error) {
	switch v := msg.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to serialize message: %w", err)
	}
	return string(b), nil
}
