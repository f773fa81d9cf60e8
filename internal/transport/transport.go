// Package transport defines the broker-agnostic message endpoint layer.
//
// A Transport sends envelopes to named addresses and hands them out to receivers with an
// AckHandle. Delivery is at-least-once: a message that is neither acked nor nacked within the
// backend's visibility timeout is delivered again, and per-address FIFO is not guaranteed.
// Consumers must therefore be idempotent. Each address is a competing-consumer work queue;
// every receiver attached to an address can observe any message sent there, and a message is
// held by one receiver at a time until it is settled or its lease expires.
package transport

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/ChuLiYu/stageflow/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 位址
// ============================================================================

// Address is a named logical channel.
type Address string

const (
	// RunCreatedAddress receives run.created notifications from the API layer.
	RunCreatedAddress Address = "run.created"
	// CancelAddress receives advisory cancellation signals for workers.
	CancelAddress Address = "run.cancel"

	stagePrefix  = "stage."
	resultSuffix = ".result"
)

// DispatchAddress is where workers of the stage type receive work.
func DispatchAddress(stage types.StageType) Address {
	return Address(stagePrefix + string(stage))
}

// ResultAddress is where workers of the stage type publish outcomes.
func ResultAddress(stage types.StageType) Address {
	return Address(stagePrefix + string(stage) + resultSuffix)
}

// Stage returns the stage type of a dispatch or result address.
func (a Address) Stage() (types.StageType, bool) {
	rest, ok := strings.CutPrefix(string(a), stagePrefix)
	if !ok {
		return "", false
	}
	rest = strings.TrimSuffix(rest, resultSuffix)
	st := types.StageType(rest)
	if st.Validate() != nil {
		return "", false
	}
	return st, true
}

// IsResult reports whether a is a stage result address.
func (a Address) IsResult() bool {
	_, ok := a.Stage()
	return ok && strings.HasSuffix(string(a), resultSuffix)
}

// Validate rejects addresses that are not one of the known shapes.
func (a Address) Validate() error {
	if a == RunCreatedAddress || a == CancelAddress {
		return nil
	}
	if _, ok := a.Stage(); ok {
		return nil
	}
	return fmt.Errorf("invalid address %q", string(a))
}

func (a Address) String() string { return string(a) }

// ============================================================================
// SPI
// ============================================================================

// Sender enqueues one message for the consumers of an address.
type Sender interface {
	Send(ctx context.Context, addr Address, env Envelope) error
}

// Receiver opens a lazy sequence of deliveries on an address.
type Receiver interface {
	Receive(ctx context.Context, addr Address) (Subscription, error)
}

// Transport is a backend implementing both directions. Close releases the underlying
// connections; it is idempotent and must be called on every exit path.
type Transport interface {
	Sender
	Receiver
	Close() error
}

// Subscription yields deliveries as they arrive.
type Subscription interface {
	// Next blocks until a delivery is available, ctx is done, or the subscription is closed
	// (ErrClosed).
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

// AckHandle settles one delivery.
type AckHandle interface {
	// Ack removes the message permanently.
	Ack(ctx context.Context) error
	// Nack releases the message for redelivery.
	Nack(ctx context.Context) error
}

// Delivery is one received envelope and the handle that settles it.
type Delivery struct {
	Envelope Envelope
	Handle   AckHandle
}

func (d Delivery) Ack(ctx context.Context) error  { return d.Handle.Ack(ctx) }
func (d Delivery) Nack(ctx context.Context) error { return d.Handle.Nack(ctx) }

// Messages adapts a subscription to a range-over-func sequence. Iteration stops when ctx is
// done, the subscription is closed, or the loop body breaks; a terminal error other than
// ErrClosed or ctx.Err() is yielded once.
func Messages(ctx context.Context, sub Subscription) iter.Seq2[Delivery, error] {
	return func(yield func(Delivery, error) bool) {
		for {
			d, err := sub.Next(ctx)
			if err != nil {
				if errors.Is(err, ErrClosed) || ctx.Err() != nil {
					return
				}
				if !yield(Delivery{}, err) {
					return
				}
				if !IsTemporary(err) {
					return
				}
				continue
			}
			if !yield(d, nil) {
				return
			}
		}
	}
}

// ============================================================================
// 錯誤
// ============================================================================

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport closed")
	// ErrLeaseExpired is returned when settling a delivery whose visibility timeout elapsed;
	// the message has been (or will be) redelivered.
	ErrLeaseExpired = errors.New("delivery lease expired")
	// ErrNoBackend is returned by the router for addresses without a configured backend.
	ErrNoBackend = errors.New("no transport backend for address")
)

// TransportError wraps a backend failure.
type TransportError struct {
	Op        string
	Address   Address
	Err       error
	temporary bool
}

// NewError classifies err; temporary errors are worth retrying.
func NewError(op string, addr Address, err error, temporary bool) *TransportError {
	return &TransportError{Op: op, Address: addr, Err: err, temporary: temporary}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Address, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool { return e.temporary }

// IsTemporary reports whether err is a retryable transport failure.
func IsTemporary(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}

// ============================================================================
// 重試
// ============================================================================

// RetryPolicy bounds SendWithRetry. Delay(n) is the wait before attempt n+1.
type RetryPolicy struct {
	Attempts int
	Delay    func(attempt int) time.Duration
}

// SendWithRetry retries temporary send failures with the policy's backoff. Non-temporary
// errors and context cancellation return immediately.
func SendWithRetry(ctx context.Context, s Sender, addr Address, env Envelope, policy RetryPolicy) error {
	attempts := max(policy.Attempts, 1)
	var err error
	for n := 1; n <= attempts; n++ {
		if err = s.Send(ctx, addr, env); err == nil {
			return nil
		}
		if !IsTemporary(err) || n == attempts {
			break
		}
		delay := time.Duration(0)
		if policy.Delay != nil {
			delay = policy.Delay(n)
		}
		log.Warn("Send failed, retrying", "address", addr, "attempt", n, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
