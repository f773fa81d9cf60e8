package server

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/stageflow/internal/transport"
	"github.com/ChuLiYu/stageflow/internal/transport/grpcbroker"
)

// Server implements the gRPC broker service on top of a transport backend.
type Server struct {
	backend transport.Transport
	codec   transport.Codec
	logger  *slog.Logger

	// 每個 address 共用一個 backend subscription
	subMu sync.Mutex
	subs  map[transport.Address]transport.Subscription

	// Lease Registry: token → 尚未 settle 的投遞
	mu       sync.Mutex
	leases   map[string]*leaseInfo
	leaseTTL time.Duration
	now      func() time.Time
}

var _ grpcbroker.BrokerServer = (*Server)(nil)

type leaseInfo struct {
	Address   transport.Address
	Handle    transport.AckHandle
	MessageID string
	IssuedAt  time.Time
}

// NewServer creates a broker server. Leases older than leaseTTL are forgotten by Run; the
// backend redelivers those messages on its own visibility timeout.
func NewServer(backend transport.Transport, leaseTTL time.Duration, logger *slog.Logger) *Server {
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend:  backend,
		codec:    transport.DefaultCodec,
		logger:   logger,
		subs:     make(map[transport.Address]transport.Subscription),
		leases:   make(map[string]*leaseInfo),
		leaseTTL: leaseTTL,
		now:      time.Now,
	}
}

// Register attaches the service to a gRPC server.
func (s *Server) Register(g *grpc.Server) {
	grpcbroker.RegisterBrokerServer(g, s)
}

// Send handles message submission from remote senders.
func (s *Server) Send(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	addr, err := addressFrom(ctx)
	if err != nil {
		return nil, err
	}
	env, err := s.codec.Unmarshal(req.GetValue())
	if err != nil {
		return nil, grpcbroker.ToStatus(err)
	}
	if err := s.backend.Send(ctx, addr, env); err != nil {
		s.logger.Warn("Broker send failed", "address", addr, "error", err)
		return nil, grpcbroker.ToStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Next long-polls the backend on behalf of a remote receiver.
func (s *Server) Next(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	addr := transport.Address(req.GetValue())
	if addr == "" {
		return nil, status.Error(codes.InvalidArgument, "address is required")
	}
	sub, err := s.subscription(ctx, addr)
	if err != nil {
		return nil, grpcbroker.ToStatus(err)
	}

	d, err := sub.Next(ctx)
	if err != nil {
		return nil, grpcbroker.ToStatus(err)
	}
	data, err := s.codec.Marshal(d.Envelope)
	if err != nil {
		d.Nack(context.WithoutCancel(ctx))
		return nil, status.Error(codes.Internal, err.Error())
	}

	token := uuid.NewString()
	header := metadata.Pairs(
		grpcbroker.MetadataToken, token,
		grpcbroker.MetadataCount, strconv.Itoa(d.Envelope.DeliveryCount),
	)
	if err := grpc.SetHeader(ctx, header); err != nil {
		d.Nack(context.WithoutCancel(ctx))
		return nil, status.Error(codes.Internal, err.Error())
	}

	s.mu.Lock()
	s.leases[token] = &leaseInfo{Address: addr, Handle: d.Handle, MessageID: d.Envelope.ID, IssuedAt: s.now()}
	s.mu.Unlock()
	return wrapperspb.Bytes(data), nil
}

// Ack settles a delivery by lease token.
func (s *Server) Ack(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return s.settle(ctx, req.GetValue(), false)
}

// Nack releases a delivery for redelivery.
func (s *Server) Nack(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return s.settle(ctx, req.GetValue(), true)
}

func (s *Server) settle(ctx context.Context, token string, nack bool) (*emptypb.Empty, error) {
	s.mu.Lock()
	info, ok := s.leases[token]
	delete(s.leases, token)
	s.mu.Unlock()
	if !ok {
		return nil, grpcbroker.ToStatus(fmt.Errorf("%w: unknown token", transport.ErrLeaseExpired))
	}

	var err error
	if nack {
		err = info.Handle.Nack(ctx)
	} else {
		err = info.Handle.Ack(ctx)
	}
	if err != nil {
		return nil, grpcbroker.ToStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) subscription(ctx context.Context, addr transport.Address) (transport.Subscription, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if sub, ok := s.subs[addr]; ok {
		return sub, nil
	}
	sub, err := s.backend.Receive(ctx, addr)
	if err != nil {
		return nil, err
	}
	s.subs[addr] = sub
	return sub, nil
}

// Leases returns the number of outstanding leases.
func (s *Server) Leases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases)
}

// Run periodically forgets leases that outlived leaseTTL until ctx is done.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.leaseTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.expireLeases()
		}
	}
}

func (s *Server) expireLeases() {
	cutoff := s.now().Add(-s.leaseTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, info := range s.leases {
		if info.IssuedAt.Before(cutoff) {
			s.logger.Debug("Forgetting stale lease", "address", info.Address, "message_id", info.MessageID)
			delete(s.leases, token)
		}
	}
}

// Close closes every backend subscription. The backend itself belongs to the caller.
func (s *Server) Close() error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for addr, sub := range s.subs {
		sub.Close()
		delete(s.subs, addr)
	}
	return nil
}

func addressFrom(ctx context.Context) (transport.Address, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.InvalidArgument, "missing metadata")
	}
	v := md.Get(grpcbroker.MetadataAddress)
	if len(v) == 0 || v[0] == "" {
		return "", status.Error(codes.InvalidArgument, "missing "+grpcbroker.MetadataAddress)
	}
	return transport.Address(v[0]), nil
}
