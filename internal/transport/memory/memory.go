// ============================================================================
// stageflow In-Memory Transport
// ============================================================================
//
// Package: internal/transport/memory
// 功能: 單一 process 內的 transport backend (測試、demo)
//
// 語意:
//   - 每個 address 一個佇列；多個 receiver 競爭同一佇列
//   - 取出的訊息進入 in-flight，visibility timeout 內未 ack/nack 則重新可見
//   - 可設定重複投遞率與亂序投遞 (固定 seed，測試可重現)
//
// ============================================================================

package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ChuLiYu/stageflow/internal/transport"
)

// Options configures the in-memory backend.
type Options struct {
	VisibilityTimeout time.Duration // 預設 30s
	DuplicateRate     float64       // 0..1，Send 時額外再放一份的機率
	Reorder           bool          // 隨機挑選可見訊息，而不是先進先出
	Seed              int64
}

// Transport is a process-local broker.
type Transport struct {
	mu     sync.Mutex
	opts   Options
	queues map[transport.Address]*queue
	rng    *rand.Rand
	token  uint64
	closed bool
	done   chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

type message struct {
	env        transport.Envelope
	deliveries int
}

type lease struct {
	msg     *message
	expires time.Time
}

type queue struct {
	ready    []*message
	inflight map[uint64]*lease
	signal   chan struct{} // 有新訊息可見時關閉並替換
}

// New creates an empty broker.
func New(opts Options) *Transport {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	return &Transport{
		opts:   opts,
		queues: make(map[transport.Address]*queue),
		rng:    rand.New(rand.NewSource(opts.Seed)),
		done:   make(chan struct{}),
	}
}

func (t *Transport) queueLocked(addr transport.Address) *queue {
	q, ok := t.queues[addr]
	if !ok {
		q = &queue{inflight: make(map[uint64]*lease), signal: make(chan struct{})}
		t.queues[addr] = q
	}
	return q
}

func (q *queue) notify() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// Send enqueues a copy of env.
func (t *Transport) Send(ctx context.Context, addr transport.Address, env transport.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}

	q := t.queueLocked(addr)
	q.ready = append(q.ready, &message{env: env.Clone()})
	if t.opts.DuplicateRate > 0 && t.rng.Float64() < t.opts.DuplicateRate {
		q.ready = append(q.ready, &message{env: env.Clone()})
	}
	q.notify()
	return nil
}

// Receive opens a competing consumer on addr.
func (t *Transport) Receive(ctx context.Context, addr transport.Address) (transport.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}
	t.queueLocked(addr)
	return &subscription{t: t, addr: addr, closed: make(chan struct{})}, nil
}

// Close wakes every blocked receiver; later calls return ErrClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// Depth returns visible and in-flight message counts for addr.
func (t *Transport) Depth(addr transport.Address) (ready, inflight int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[addr]
	if !ok {
		return 0, 0
	}
	return len(q.ready), len(q.inflight)
}

// requeueExpiredLocked 將 lease 到期的訊息放回可見佇列，回傳下一個到期時間
func (t *Transport) requeueExpiredLocked(q *queue, now time.Time) time.Time {
	var next time.Time
	for tok, l := range q.inflight {
		if !l.expires.After(now) {
			delete(q.inflight, tok)
			q.ready = append(q.ready, l.msg)
			continue
		}
		if next.IsZero() || l.expires.Before(next) {
			next = l.expires
		}
	}
	return next
}

func (t *Transport) claim(addr transport.Address) (transport.Delivery, <-chan struct{}, time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.Delivery{}, nil, time.Time{}, transport.ErrClosed
	}
	q := t.queueLocked(addr)
	now := time.Now()
	nextExpiry := t.requeueExpiredLocked(q, now)

	if len(q.ready) == 0 {
		return transport.Delivery{}, q.signal, nextExpiry, nil
	}
	i := 0
	if t.opts.Reorder && len(q.ready) > 1 {
		i = t.rng.Intn(len(q.ready))
	}
	msg := q.ready[i]
	q.ready = append(q.ready[:i], q.ready[i+1:]...)
	msg.deliveries++

	t.token++
	tok := t.token
	q.inflight[tok] = &lease{msg: msg, expires: now.Add(t.opts.VisibilityTimeout)}

	env := msg.env.Clone()
	env.DeliveryCount = msg.deliveries
	return transport.Delivery{Envelope: env, Handle: &handle{t: t, addr: addr, token: tok}}, nil, time.Time{}, nil
}

type subscription struct {
	t         *Transport
	addr      transport.Address
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *subscription) Next(ctx context.Context) (transport.Delivery, error) {
	for {
		select {
		case <-s.closed:
			return transport.Delivery{}, transport.ErrClosed
		default:
		}

		d, wait, nextExpiry, err := s.t.claim(s.addr)
		if err != nil || wait == nil {
			return d, err
		}

		var timer *time.Timer
		var expired <-chan time.Time
		if !nextExpiry.IsZero() {
			timer = time.NewTimer(time.Until(nextExpiry))
			expired = timer.C
		}
		err = nil
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-s.closed:
			err = transport.ErrClosed
		case <-s.t.done:
			err = transport.ErrClosed
		case <-wait:
		case <-expired:
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return transport.Delivery{}, err
		}
	}
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type handle struct {
	t     *Transport
	addr  transport.Address
	token uint64
}

func (h *handle) settle(requeue bool) error {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	q := h.t.queueLocked(h.addr)
	l, ok := q.inflight[h.token]
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrLeaseExpired, h.addr)
	}
	delete(q.inflight, h.token)
	if requeue {
		q.ready = append(q.ready, l.msg)
		q.notify()
	}
	return nil
}

func (h *handle) Ack(ctx context.Context) error  { return h.settle(false) }
func (h *handle) Nack(ctx context.Context) error { return h.settle(true) }
