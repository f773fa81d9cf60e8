package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/stageflow/internal/store"
	"github.com/ChuLiYu/stageflow/internal/transport"
	"github.com/ChuLiYu/stageflow/internal/worker"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

// ============================================================================
// Consumer - 訊息循環
// ============================================================================
//
// 每個 address 一個接收 goroutine，訊息交給有界的 worker.Pool 處理，
// pool 滿時接收循環被阻塞 (背壓)。非暫時性的接收錯誤會關閉 subscription
// 並以指數退避重新訂閱。
//
// 結算規則:
//   成功 / 過期結果            → ack
//   儲存層或 transport 暫時錯誤 → nack (等待重送)
//   contract violation / 未知 → ack + anomaly log
//   其他錯誤                   → nack，超過 MaxDeliveries 後 ack
//
// run.cancel 不在此訂閱：取消由 API/CLI 直接呼叫 CancelRun。

// ConsumerConfig configures the message loop.
type ConsumerConfig struct {
	Stages        []types.StageType // 訂閱這些階段的結果位址
	Concurrency   int               // 同時處理的訊息數
	MaxDeliveries int               // 非暫時性錯誤的最大投遞次數
	HandleTimeout time.Duration     // 單一訊息的處理上限
	RetryDelay    time.Duration     // 接收錯誤後的等待，重新訂閱時指數成長
}

// Consumer feeds transport deliveries into the orchestrator.
type Consumer struct {
	orch     *Orchestrator
	receiver transport.Receiver
	config   ConsumerConfig
	pool     *worker.Pool

	mu      sync.Mutex
	subs    []transport.Subscription
	stopped bool
	loopWg sync.WaitGroup
}

// NewConsumer creates a consumer; call Run to start it.
func NewConsumer(orch *Orchestrator, receiver transport.Receiver, cfg ConsumerConfig) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 10
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Consumer{
		orch:     orch,
		receiver: receiver,
		config:   cfg,
		pool:     worker.NewPool(cfg.Concurrency, 0),
	}
}

// Addresses returns every address the consumer subscribes to.
func (c *Consumer) Addresses() []transport.Address {
	addrs := []transport.Address{transport.RunCreatedAddress}
	for _, st := range c.config.Stages {
		addrs = append(addrs, transport.ResultAddress(st))
	}
	return addrs
}

// Run subscribes and processes messages until ctx is done. Messages already handed to the
// pool finish before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.pool.Start(c.config.Concurrency); err != nil {
		return err
	}
	defer c.pool.Stop()

	for _, addr := range c.Addresses() {
		sub, err := c.receiver.Receive(ctx, addr)
		if err != nil {
			c.closeSubs()
			c.loopWg.Wait()
			return fmt.Errorf("subscribe %s: %w", addr, err)
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()

		c.loopWg.Add(1)
		go c.receiveLoop(ctx, addr, sub)
	}
	c.orch.logger.Info("Consumer started", "addresses", len(c.Addresses()), "concurrency", c.config.Concurrency)

	<-ctx.Done()
	c.closeSubs()
	c.loopWg.Wait()
	c.orch.logger.Info("Consumer stopped")
	return nil
}

func (c *Consumer) closeSubs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		_ = sub.Close()
	}
	c.subs = nil
	c.stopped = true
}

// replaceSub swaps a failed subscription for a new one; false once the consumer is stopping.
func (c *Consumer) replaceSub(old, sub transport.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s == old {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	if c.stopped {
		return false
	}
	c.subs = append(c.subs, sub)
	return true
}

// receiveLoop reads one address until ctx is done. A non-temporary receive error closes the
// subscription and resubscribes with exponential backoff; the address is never abandoned.
func (c *Consumer) receiveLoop(ctx context.Context, addr transport.Address, sub transport.Subscription) {
	defer c.loopWg.Done()
	for {
		err := c.drain(ctx, addr, sub)
		if err == nil || ctx.Err() != nil {
			return
		}
		c.orch.logger.Error("Subscription failed, resubscribing", "address", addr, "error", err)
		_ = sub.Close()

		next, ok := c.resubscribe(ctx, addr)
		if !ok {
			return
		}
		if !c.replaceSub(sub, next) {
			_ = next.Close()
			return
		}
		sub = next
	}
}

// drain feeds deliveries to the pool. It returns the non-temporary error that ended the
// subscription, or nil when ctx is done or the subscription was closed.
func (c *Consumer) drain(ctx context.Context, addr transport.Address, sub transport.Subscription) error {
	for d, err := range transport.Messages(ctx, sub) {
		if err != nil {
			if !transport.IsTemporary(err) {
				return err
			}
			c.orch.logger.Warn("Receive failed", "address", addr, "error", err)
			if !sleepCtx(ctx, c.config.RetryDelay) {
				return nil
			}
			continue
		}
		task := worker.Task{
			ID:      d.Envelope.ID,
			Timeout: c.config.HandleTimeout,
			Run: func(tctx context.Context) error {
				c.Process(tctx, d)
				return nil
			},
		}
		if err := c.pool.Submit(ctx, task); err != nil {
			// 關閉中：訊息交還 backend
			_ = d.Nack(context.Background())
			return nil
		}
	}
	return nil
}

func (c *Consumer) resubscribe(ctx context.Context, addr transport.Address) (transport.Subscription, bool) {
	delay := c.config.RetryDelay
	for {
		if !sleepCtx(ctx, delay) {
			return nil, false
		}
		sub, err := c.receiver.Receive(ctx, addr)
		if err == nil {
			c.orch.logger.Info("Resubscribed", "address", addr)
			return sub, true
		}
		c.orch.logger.Warn("Resubscribe failed", "address", addr, "error", err, "retry_in", delay)
		delay = min(delay*2, 30*time.Second)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Process handles one delivery and settles it.
func (c *Consumer) Process(ctx context.Context, d transport.Delivery) {
	ctx = transport.ExtractTrace(ctx, d.Envelope)
	err := c.Handle(ctx, d.Envelope)
	c.settle(ctx, d, err)
}

// Handle routes an envelope to the orchestrator handler for its kind.
func (c *Consumer) Handle(ctx context.Context, env transport.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	switch env.Kind {
	case transport.KindRunCreated:
		return c.orch.HandleRunCreated(ctx, env.RunID)
	case transport.KindSucceeded:
		return c.orch.HandleJobResult(ctx, env.CorrelationID, env.Attempt, Success(env.Payload.Data))
	case transport.KindFailed:
		return c.orch.HandleJobResult(ctx, env.CorrelationID, env.Attempt, Failure(env.FailureReason()))
	default:
		return fmt.Errorf("%w: orchestrator does not consume %s", transport.ErrContractViolation, env.Kind)
	}
}

// settleAction is what happens to a delivery after handling.
type settleAction int

const (
	settleAck settleAction = iota
	settleNack
	settleDiscard // ack + anomaly
)

// classify decides how to settle a delivery given the handler error.
func classify(err error, deliveryCount, maxDeliveries int) settleAction {
	switch {
	case err == nil, errors.Is(err, ErrStaleResult):
		return settleAck
	case errors.Is(err, store.ErrUnavailable), transport.IsTemporary(err),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return settleNack
	case errors.Is(err, transport.ErrContractViolation), errors.Is(err, ErrUnknownJob),
		errors.Is(err, ErrUnknownRun), errors.Is(err, store.ErrInvalidTransition):
		return settleDiscard
	case deliveryCount >= maxDeliveries:
		return settleDiscard
	default:
		return settleNack
	}
}

func (c *Consumer) settle(ctx context.Context, d transport.Delivery, err error) {
	env := d.Envelope
	// 使用獨立 context：處理逾時後仍需結算
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var serr error
	switch classify(err, env.DeliveryCount, c.config.MaxDeliveries) {
	case settleAck:
		serr = d.Ack(sctx)
	case settleNack:
		c.orch.logger.WarnContext(ctx, "Handler failed, message will be redelivered",
			"kind", env.Kind, "run_id", env.RunID, "job_id", env.CorrelationID, "deliveries", env.DeliveryCount, "error", err)
		serr = d.Nack(sctx)
	case settleDiscard:
		c.orch.logger.WarnContext(ctx, "Discarding message",
			"kind", env.Kind, "run_id", env.RunID, "job_id", env.CorrelationID, "deliveries", env.DeliveryCount,
			"error", err, "anomaly", true)
		c.orch.metrics.Discarded("anomaly")
		serr = d.Ack(sctx)
	}
	if serr != nil {
		// lease 過期：訊息會被重送，handler 是冪等的
		c.orch.logger.DebugContext(ctx, "Settle failed", "message_id", env.ID, "error", serr)
	}
}
