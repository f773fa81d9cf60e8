// ============================================================================
// stageflow Redis Transport
// ============================================================================
//
// Package: internal/transport/redisq
// 功能: 以 Redis 實作的 at-least-once 工作佇列
//
// 每個 address 使用四個 key:
//   {prefix}:{addr}:ready       LIST   可見訊息 ID (LPUSH 進，RPOP 出)
//   {prefix}:{addr}:inflight    ZSET   已取出訊息 ID，score = lease 到期時間 (ms)
//   {prefix}:{addr}:payload     HASH   訊息 ID → 編碼後的 envelope
//   {prefix}:{addr}:deliveries  HASH   訊息 ID → 投遞次數
//
// claim / ack / nack 都是 Lua script，lease 以到期時間當作 token：
// 只有仍持有同一個 lease 的 receiver 可以 settle 訊息。
//
// ============================================================================

package redisq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/ChuLiYu/stageflow/internal/transport"
)

var log = slog.Default()

// claimScript: 先把過期 lease 放回 ready，再取出一筆並建立新 lease
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('RPUSH', KEYS[1], id)
end
local id = redis.call('RPOP', KEYS[1])
if not id then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
local n = redis.call('HINCRBY', KEYS[4], id, 1)
local data = redis.call('HGET', KEYS[3], id)
return {id, ARGV[2], n, data}
`)

// ackScript: lease 相符才刪除
var ackScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// nackScript: lease 相符才放回 ready (放在 RPOP 端，下一個就取到)
var nackScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// Config configures the Redis backend.
type Config struct {
	Addr              string
	Password          string
	DB                int
	Prefix            string        // 預設 "stageflow"
	VisibilityTimeout time.Duration // 預設 30s
	PollInterval      time.Duration // 預設 100ms
}

// Transport is a Redis-backed work queue.
type Transport struct {
	client    *redis.Client
	ownClient bool
	cfg       Config
	codec     transport.Codec

	closeOnce sync.Once
	done      chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// New connects to Redis.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, transport.NewError("connect", "", err, true)
	}
	t := NewWithClient(client, cfg)
	t.ownClient = true
	return t, nil
}

// NewWithClient wraps an existing client; Close leaves the client open.
func NewWithClient(client *redis.Client, cfg Config) *Transport {
	if cfg.Prefix == "" {
		cfg.Prefix = "stageflow"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Transport{client: client, cfg: cfg, codec: transport.DefaultCodec, done: make(chan struct{})}
}

type keys struct {
	ready, inflight, payload, deliveries string
}

func (t *Transport) keys(addr transport.Address) keys {
	base := fmt.Sprintf("%s:%s", t.cfg.Prefix, addr)
	return keys{
		ready:      base + ":ready",
		inflight:   base + ":inflight",
		payload:    base + ":payload",
		deliveries: base + ":deliveries",
	}
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Send stores the payload and pushes the message ID in one MULTI/EXEC.
func (t *Transport) Send(ctx context.Context, addr transport.Address, env transport.Envelope) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	data, err := t.codec.Marshal(env)
	if err != nil {
		return transport.NewError("send", addr, err, false)
	}
	k := t.keys(addr)
	_, err = t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k.payload, env.ID, data)
		p.LPush(ctx, k.ready, env.ID)
		return nil
	})
	if err != nil {
		return transport.NewError("send", addr, err, true)
	}
	return nil
}

// Receive returns a polling subscription.
func (t *Transport) Receive(ctx context.Context, addr transport.Address) (transport.Subscription, error) {
	if t.isClosed() {
		return nil, transport.ErrClosed
	}
	return &subscription{t: t, addr: addr, keys: t.keys(addr), closed: make(chan struct{})}, nil
}

// Close stops every subscription and, when owned, the client.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.ownClient {
			err = t.client.Close()
		}
	})
	return err
}

type subscription struct {
	t         *Transport
	addr      transport.Address
	keys      keys
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

		d, ok, err := s.claim(ctx)
		if err != nil {
			return transport.Delivery{}, err
		}
		if ok {
			return d, nil
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

func (s *subscription) claim(ctx context.Context) (transport.Delivery, bool, error) {
	now := time.Now()
	lease := strconv.FormatInt(now.Add(s.t.cfg.VisibilityTimeout).UnixMilli(), 10)
	k := s.keys
	res, err := claimScript.Run(ctx, s.t.client,
		[]string{k.ready, k.inflight, k.payload, k.deliveries},
		now.UnixMilli(), lease).Result()
	if errors.Is(err, redis.Nil) {
		return transport.Delivery{}, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return transport.Delivery{}, false, ctx.Err()
		}
		return transport.Delivery{}, false, transport.NewError("receive", s.addr, err, true)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return transport.Delivery{}, false, transport.NewError("receive", s.addr, fmt.Errorf("unexpected claim reply %T", res), false)
	}
	id, _ := vals[0].(string)
	leaseStr, _ := vals[1].(string)
	count, _ := vals[2].(int64)
	h := &handle{t: s.t, addr: s.addr, keys: k, id: id, lease: leaseStr}

	var data string
	if len(vals) > 3 {
		data, _ = vals[3].(string)
	}
	env, err := s.t.codec.Unmarshal([]byte(data))
	if err != nil {
		_ = s.drop(ctx, h, err)
		return transport.Delivery{}, false, nil
	}
	env.DeliveryCount = int(count)
	return transport.Delivery{Envelope: env, Handle: h}, true, nil
}

// drop acks a message that can never be decoded. A failed ack leaves it inflight, so it
// comes back after the visibility timeout and is logged again.
func (s *subscription) drop(ctx context.Context, h *handle, cause error) error {
	log.Warn("Dropping undecodable message", "address", s.addr, "id", h.id, "error", cause, "anomaly", true)
	if err := h.Ack(ctx); err != nil {
		log.Warn("Failed to ack undecodable message", "address", s.addr, "id", h.id, "error", err)
		return err
	}
	return nil
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type handle struct {
	t     *Transport
	addr  transport.Address
	keys  keys
	id    string
	lease string
}

func (h *handle) Ack(ctx context.Context) error {
	n, err := ackScript.Run(ctx, h.t.client, []string{h.keys.inflight, h.keys.payload, h.keys.deliveries}, h.id, h.lease).Int()
	return h.result("ack", n, err)
}

func (h *handle) Nack(ctx context.Context) error {
	n, err := nackScript.Run(ctx, h.t.client, []string{h.keys.inflight, h.keys.ready}, h.id, h.lease).Int()
	return h.result("nack", n, err)
}

func (h *handle) result(op string, n int, err error) error {
	if err != nil {
		return transport.NewError(op, h.addr, err, true)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s message %s", transport.ErrLeaseExpired, h.addr, h.id)
	}
	return nil
}

// Depth returns visible and in-flight counts for addr.
func (t *Transport) Depth(ctx context.Context, addr transport.Address) (ready, inflight int64, err error) {
	k := t.keys(addr)
	pipe := t.client.Pipeline()
	r := pipe.LLen(ctx, k.ready)
	f := pipe.ZCard(ctx, k.inflight)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return r.Val(), f.Val(), nil
}
