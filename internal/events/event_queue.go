package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"echo-transcript/internal/logger"
)

var log = logger.Named("events")

var (
	// ErrQueueClosed 表示事件队列已关闭。
	ErrQueueClosed = errors.New("event queue closed")
	// ErrEventDropped 表示事件被慢消费者丢弃。
	ErrEventDropped = errors.New("event dropped by slow subscriber")
)

// Queue 是非阻塞的扇出队列：发布方永不等待订阅方，满的订阅通道直接丢弃。
type Queue[T any] struct {
	mu      sync.Mutex
	subs    []chan T
	buffer  int
	closed  bool
	dropped atomic.Uint64
	log     *logger.LogEntry
}

// NewQueue 创建队列，buffer 是每个订阅者的缓存大小。
func NewQueue[T any](buffer int) *Queue[T] {
	if buffer <= 0 {
		buffer = 64
	}
	return &Queue[T]{buffer: buffer, log: log}
}

// SetLogger 替换日志入口。
func (q *Queue[T]) SetLogger(entry *logger.LogEntry) {
	if entry == nil {
		return
	}
	q.mu.Lock()
	q.log = entry
	q.mu.Unlock()
}

// Subscribe 订阅事件流。通道会在 Close 时关闭。
func (q *Queue[T]) Subscribe() <-chan T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		ch := make(chan T)
		close(ch)
		return ch
	}
	ch := make(chan T, q.buffer)
	q.subs = append(q.subs, ch)
	return ch
}

// Unsubscribe 移除并关闭订阅通道。
func (q *Queue[T]) Unsubscribe(sub <-chan T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, ch := range q.subs {
		if (<-chan T)(ch) == sub {
			q.subs = append(q.subs[:i], q.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish 发布事件到所有订阅者。若存在丢弃，则返回 ErrEventDropped。
// 发送是非阻塞的，因此可以在持锁时进行，避免与 Unsubscribe/Close 竞争。
func (q *Queue[T]) Publish(ctx context.Context, event T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	dropped := 0
	for _, ch := range q.subs {
		select {
		case ch <- event:
		default:
			dropped++
		}
	}
	entry := q.log
	q.mu.Unlock()

	if dropped > 0 {
		q.dropped.Add(uint64(dropped))
		entry.WithField("subscribers", dropped).Debug("dropped event for slow subscribers")
		return ErrEventDropped
	}
	return nil
}

// Dropped 返回累计丢弃次数。
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// Close 关闭事件队列和所有订阅通道。
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	subs := q.subs
	q.subs = nil
	q.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// SubscriberCount 返回当前订阅者数量。
func (q *Queue[T]) SubscriberCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}
