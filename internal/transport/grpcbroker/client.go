package grpcbroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/stageflow/internal/transport"
)

var log = slog.Default()

// Transport is the client side of the broker; it implements transport.Transport.
type Transport struct {
	conn    *grpc.ClientConn
	client  *brokerClient
	codec   transport.Codec
	ownConn bool

	closeOnce sync.Once
	done      chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// Dial connects to a broker at target. The connection is established lazily.
func Dial(target string, opts ...grpc.DialOption) (*Transport, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker %s: %w", target, err)
	}
	t := NewWithConn(conn)
	t.ownConn = true
	return t, nil
}

// NewWithConn uses an existing connection; Close leaves it open.
func NewWithConn(conn *grpc.ClientConn) *Transport {
	return &Transport{
		conn:   conn,
		client: &brokerClient{cc: conn},
		codec:  transport.DefaultCodec,
		done:   make(chan struct{}),
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

func (t *Transport) Send(ctx context.Context, addr transport.Address, env transport.Envelope) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	data, err := t.codec.Marshal(env)
	if err != nil {
		return transport.NewError("send", addr, err, false)
	}
	ctx = metadata.AppendToOutgoingContext(ctx, MetadataAddress, string(addr))
	if err := t.client.send(ctx, wrapperspb.Bytes(data)); err != nil {
		return fromStatus(ctx, "send", addr, err)
	}
	return nil
}

func (t *Transport) Receive(ctx context.Context, addr transport.Address) (transport.Subscription, error) {
	if t.isClosed() {
		return nil, transport.ErrClosed
	}
	return &subscription{t: t, addr: addr, closed: make(chan struct{})}, nil
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.ownConn {
			err = t.conn.Close()
		}
	})
	return err
}

type subscription struct {
	t         *Transport
	addr      transport.Address
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *subscription) Next(ctx context.Context) (transport.Delivery, error) {
	select {
	case <-s.closed:
		return transport.Delivery{}, transport.ErrClosed
	case <-s.t.done:
		return transport.Delivery{}, transport.ErrClosed
	default:
	}

	// Close 需要能中斷進行中的 long poll
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closed:
		case <-s.t.done:
		case <-callCtx.Done():
		}
		cancel()
	}()

	for {
		var header metadata.MD
		out, err := s.t.client.next(callCtx, wrapperspb.String(string(s.addr)), grpc.Header(&header))
		if err != nil {
			if ctx.Err() != nil {
				return transport.Delivery{}, ctx.Err()
			}
			if callCtx.Err() != nil {
				return transport.Delivery{}, transport.ErrClosed
			}
			return transport.Delivery{}, fromStatus(ctx, "receive", s.addr, err)
		}

		token := first(header, MetadataToken)
		env, err := s.t.codec.Unmarshal(out.GetValue())
		if err != nil {
			log.Warn("Dropping undecodable message", "address", s.addr, "error", err, "anomaly", true)
			if token != "" {
				s.t.client.settle(ctx, "Ack", token)
			}
			continue
		}
		if n, err := strconv.Atoi(first(header, MetadataCount)); err == nil {
			env.DeliveryCount = n
		}
		return transport.Delivery{Envelope: env, Handle: &handle{t: s.t, addr: s.addr, token: token}}, nil
	}
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type handle struct {
	t     *Transport
	addr  transport.Address
	token string
}

func (h *handle) Ack(ctx context.Context) error {
	if err := h.t.client.settle(ctx, "Ack", h.token); err != nil {
		return fromStatus(ctx, "ack", h.addr, err)
	}
	return nil
}

func (h *handle) Nack(ctx context.Context) error {
	if err := h.t.client.settle(ctx, "Nack", h.token); err != nil {
		return fromStatus(ctx, "nack", h.addr, err)
	}
	return nil
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

// ============================================================================
// 錯誤對應
// ============================================================================

// ToStatus maps a transport error to a gRPC status for the wire.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, transport.ErrLeaseExpired):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, transport.ErrContractViolation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, transport.ErrClosed), transport.IsTemporary(err):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func fromStatus(ctx context.Context, op string, addr transport.Address, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", transport.ErrLeaseExpired, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", transport.ErrContractViolation, st.Message())
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return transport.NewError(op, addr, err, true)
	default:
		return transport.NewError(op, addr, err, false)
	}
}
