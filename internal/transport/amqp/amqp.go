// ============================================================================
// stageflow AMQP Transport
// ============================================================================
//
// Package: internal/transport/amqp
// 功能: RabbitMQ (AMQP 0-9-1) backend
//
// 對應:
//   address      → durable queue ({prefix}.{address})，經由 default exchange 投遞
//   Send         → publisher confirm 模式發佈，broker 確認後才回傳
//   Receive      → basic.get 拉取 (不使用 prefetch，避免訊息卡在閒置 consumer 的緩衝區)
//   visibility   → 客戶端計時器，逾時自動 nack(requeue)
//   DeliveryCount→ quorum queue 的 x-delivery-count，否則以 redelivered 旗標推算
//
// ============================================================================

package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ChuLiYu/stageflow/internal/transport"
)

var log = slog.Default()

// Config configures the AMQP backend.
type Config struct {
	URL               string
	QueuePrefix       string        // 預設 "stageflow"
	VisibilityTimeout time.Duration // 預設 30s
	PollInterval      time.Duration // 預設 100ms
}

// Transport publishes to and pulls from RabbitMQ queues.
type Transport struct {
	cfg   Config
	conn  *amqp.Connection
	codec transport.Codec

	pubMu    sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool

	closeOnce sync.Once
	done      chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// Dial connects and opens the publishing channel in confirm mode.
func Dial(cfg Config) (*Transport, error) {
	if cfg.QueuePrefix == "" {
		cfg.QueuePrefix = "stageflow"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, transport.NewError("connect", "", err, true)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, transport.NewError("connect", "", err, true)
	}
	if err := pub.Confirm(false); err != nil {
		conn.Close()
		return nil, transport.NewError("connect", "", err, false)
	}
	return &Transport{
		cfg:      cfg,
		conn:     conn,
		codec:    transport.DefaultCodec,
		pub:      pub,
		declared: make(map[string]bool),
		done:     make(chan struct{}),
	}, nil
}

func (t *Transport) queueName(addr transport.Address) string {
	return t.cfg.QueuePrefix + "." + string(addr)
}

func declare(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return t.conn.IsClosed()
	}
}

// Send publishes env and waits for the broker confirm.
func (t *Transport) Send(ctx context.Context, addr transport.Address, env transport.Envelope) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	body, err := t.codec.Marshal(env)
	if err != nil {
		return transport.NewError("send", addr, err, false)
	}

	headers := amqp.Table{"kind": string(env.Kind), "run-id": string(env.RunID)}
	if id := env.TraceID(); id != "" {
		headers[transport.HeaderTraceID] = id
	}

	t.pubMu.Lock()
	queue := t.queueName(addr)
	if !t.declared[queue] {
		if err := declare(t.pub, queue); err != nil {
			t.pubMu.Unlock()
			return transport.NewError("send", addr, err, true)
		}
		t.declared[queue] = true
	}
	confirm, err := t.pub.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   t.codec.ContentType(),
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.ID,
		CorrelationId: string(env.CorrelationID),
		Timestamp:     env.EnqueuedAt,
		Headers:       headers,
		Body:          body,
	})
	t.pubMu.Unlock()
	if err != nil {
		return transport.NewError("send", addr, err, true)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return transport.NewError("send", addr, err, true)
	}
	if !acked {
		return transport.NewError("send", addr, errors.New("broker nacked publish"), true)
	}
	return nil
}

// Receive opens a dedicated channel for pulling from the address queue.
func (t *Transport) Receive(ctx context.Context, addr transport.Address) (transport.Subscription, error) {
	if t.isClosed() {
		return nil, transport.ErrClosed
	}
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, transport.NewError("receive", addr, err, true)
	}
	queue := t.queueName(addr)
	if err := declare(ch, queue); err != nil {
		ch.Close()
		return nil, transport.NewError("receive", addr, err, true)
	}
	return &subscription{t: t, addr: addr, queue: queue, ch: ch, closed: make(chan struct{})}, nil
}

// Close closes the connection; unsettled deliveries are requeued by the broker.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if !t.conn.IsClosed() {
			err = t.conn.Close()
		}
	})
	return err
}

type subscription struct {
	t     *Transport
	addr  transport.Address
	queue string
	ch    *amqp.Channel

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *subscription) Next(ctx context.Context) (transport.Delivery, error) {
	for {
		select {
		case <-s.closed:
			return transport.Delivery{}, transport.ErrClosed
		case <-s.t.done:
			return transport.Delivery{}, transport.ErrClosed
		default:
		}

		msg, ok, err := s.ch.Get(s.queue, false)
		if err != nil {
			if errors.Is(err, amqp.ErrClosed) && s.isClosed() {
				return transport.Delivery{}, transport.ErrClosed
			}
			return transport.Delivery{}, transport.NewError("receive", s.addr, err, true)
		}
		if ok {
			if d, ok := s.deliver(msg); ok {
				return d, nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return transport.Delivery{}, ctx.Err()
		case <-s.closed:
			return transport.Delivery{}, transport.ErrClosed
		case <-s.t.done:
			return transport.Delivery{}, transport.ErrClosed
		case <-time.After(s.t.cfg.PollInterval):
		}
	}
}

func (s *subscription) isClosed() bool {
	select {
	case <-s.closed:
		return true
	case <-s.t.done:
		return true
	default:
		return false
	}
}

func (s *subscription) deliver(msg amqp.Delivery) (transport.Delivery, bool) {
	env, err := s.t.codec.Unmarshal(msg.Body)
	if err != nil {
		log.Warn("Dropping undecodable message", "queue", s.queue, "message_id", msg.MessageId, "error", err, "anomaly", true)
		if err := msg.Ack(false); err != nil {
			log.Warn("Failed to ack undecodable message", "queue", s.queue, "message_id", msg.MessageId, "error", err)
		}
		return transport.Delivery{}, false
	}
	env.DeliveryCount = deliveryCount(msg)

	h := &handle{msg: msg, addr: s.addr}
	h.timer = time.AfterFunc(s.t.cfg.VisibilityTimeout, func() {
		if h.settled.CompareAndSwap(false, true) {
			log.Debug("Visibility timeout elapsed, requeueing", "queue", s.queue, "message_id", msg.MessageId)
			msg.Nack(false, true)
		}
	})
	return transport.Delivery{Envelope: env, Handle: h}, true
}

func deliveryCount(msg amqp.Delivery) int {
	if v, ok := msg.Headers["x-delivery-count"]; ok {
		switch n := v.(type) {
		case int64:
			return int(n) + 1
		case int32:
			return int(n) + 1
		}
	}
	if msg.Redelivered {
		return 2
	}
	return 1
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if !s.ch.IsClosed() {
			err = s.ch.Close()
		}
	})
	return err
}

type handle struct {
	msg     amqp.Delivery
	addr    transport.Address
	timer   *time.Timer
	settled atomic.Bool
}

func (h *handle) settle(op string, fn func() error) error {
	if !h.settled.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s message %s", transport.ErrLeaseExpired, h.addr, h.msg.MessageId)
	}
	h.timer.Stop()
	if err := fn(); err != nil {
		return transport.NewError(op, h.addr, err, true)
	}
	return nil
}

func (h *handle) Ack(ctx context.Context) error {
	return h.settle("ack", func() error { return h.msg.Ack(false) })
}

func (h *handle) Nack(ctx context.Context) error {
	return h.settle("nack", func() error { return h.msg.Nack(false, true) })
}
