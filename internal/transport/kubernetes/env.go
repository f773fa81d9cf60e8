package kubernetes

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/ChuLiYu/stageflow/internal/transport"
)

// EnvReceiver is the in-pod side of launch mode: the single dispatch message is read from
// the environment, delivered once, and the pod exits after settling it.
type EnvReceiver struct {
	lookup func(string) (string, bool)
	codec  transport.Codec

	mu       sync.Mutex
	consumed bool
	settled  bool
	nacked   bool
	done     chan struct{}
}

var _ transport.Receiver = (*EnvReceiver)(nil)

// NewEnvReceiver reads from the process environment.
func NewEnvReceiver() *EnvReceiver {
	return NewEnvReceiverWithLookup(os.LookupEnv)
}

// NewEnvReceiverWithLookup reads variables through lookup.
func NewEnvReceiverWithLookup(lookup func(string) (string, bool)) *EnvReceiver {
	return &EnvReceiver{lookup: lookup, codec: transport.DefaultCodec, done: make(chan struct{})}
}

// Address returns the address the pod was launched for.
func (r *EnvReceiver) Address() (transport.Address, bool) {
	v, ok := r.lookup(EnvAddress)
	return transport.Address(v), ok && v != ""
}

// Receive returns a subscription yielding the launched message once when addr matches.
func (r *EnvReceiver) Receive(ctx context.Context, addr transport.Address) (transport.Subscription, error) {
	launched, ok := r.Address()
	if !ok {
		return nil, fmt.Errorf("%s not set: %w", EnvAddress, transport.ErrNoBackend)
	}
	return &envSubscription{r: r, addr: addr, match: launched == addr, closed: make(chan struct{})}, nil
}

// Done is closed once the launched message has been settled.
func (r *EnvReceiver) Done() <-chan struct{} { return r.done }

// Nacked reports whether the message was rejected; the pod should then exit non-zero so
// that the Job backoff policy retries it.
func (r *EnvReceiver) Nacked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nacked
}

func (r *EnvReceiver) take() (transport.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumed {
		return transport.Envelope{}, transport.ErrClosed
	}
	raw, ok := r.lookup(EnvEnvelope)
	if !ok {
		return transport.Envelope{}, fmt.Errorf("%s not set: %w", EnvEnvelope, transport.ErrNoBackend)
	}
	env, err := r.codec.Unmarshal([]byte(raw))
	if err != nil {
		return transport.Envelope{}, err
	}
	r.consumed = true
	env.DeliveryCount = 1
	return env, nil
}

func (r *EnvReceiver) settle(nack bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return transport.ErrLeaseExpired
	}
	r.settled = true
	r.nacked = nack
	close(r.done)
	return nil
}

type envSubscription struct {
	r         *EnvReceiver
	addr      transport.Address
	match     bool
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *envSubscription) Next(ctx context.Context) (transport.Delivery, error) {
	if s.match {
		env, err := s.r.take()
		if err == nil {
			return transport.Delivery{Envelope: env, Handle: envHandle{s.r}}, nil
		}
		if err != transport.ErrClosed {
			return transport.Delivery{}, err
		}
	}
	// 單次投遞之後不會再有訊息
	select {
	case <-ctx.Done():
		return transport.Delivery{}, ctx.Err()
	case <-s.closed:
		return transport.Delivery{}, transport.ErrClosed
	}
}

func (s *envSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type envHandle struct{ r *EnvReceiver }

func (h envHandle) Ack(ctx context.Context) error  { return h.r.settle(false) }
func (h envHandle) Nack(ctx context.Context) error { return h.r.settle(true) }
