// Package transporttest is the conformance suite shared by every transport backend.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/ChuLiYu/stageflow/internal/transport"
	"github.com/ChuLiYu/stageflow/pkg/types"
)

// Suite runs against a fresh transport per test. NewTransport must configure the backend with
// the given visibility timeout.
type Suite struct {
	suite.Suite

	NewTransport func(visibility time.Duration) transport.Transport
	// Visibility defaults to 300ms; slow backends (containers, polling) may raise it.
	Visibility time.Duration
	// Addresses are prefixed so that backends sharing a broker across tests stay isolated.
	Namespace string

	tr  transport.Transport
	ctx context.Context
	seq int
}

func (s *Suite) SetupTest() {
	if s.Visibility == 0 {
		s.Visibility = 300 * time.Millisecond
	}
	s.ctx = context.Background()
	s.tr = s.NewTransport(s.Visibility)
}

func (s *Suite) TearDownTest() {
	if s.tr != nil {
		s.tr.Close()
	}
}

// addr returns a unique dispatch address for the current test.
func (s *Suite) addr() transport.Address {
	s.seq++
	return transport.DispatchAddress(types.StageType(fmt.Sprintf("%st%d-%d", s.Namespace, time.Now().UnixNano()%1_000_000, s.seq)))
}

func (s *Suite) envelope(i int) transport.Envelope {
	env := transport.NewEnvelope(transport.KindDispatch, "run-1")
	env.CorrelationID = types.JobID(fmt.Sprintf("job-%d", i))
	env.Stage = types.StageAnalyze
	env.Attempt = 1
	env.StageIndex = i
	env.Payload = transport.Payload{Data: []byte(fmt.Sprintf(`{"n":%d}`, i)), ContentType: transport.ContentTypeJSON}
	env.Headers[transport.HeaderTraceID] = "trace-1"
	env.Headers["transport.image"] = "v1"
	return env
}

func (s *Suite) subscribe(addr transport.Address) transport.Subscription {
	sub, err := s.tr.Receive(s.ctx, addr)
	s.Require().NoError(err)
	s.T().Cleanup(func() { sub.Close() })
	return sub
}

func (s *Suite) next(sub transport.Subscription, within time.Duration) (transport.Delivery, error) {
	ctx, cancel := context.WithTimeout(s.ctx, within)
	defer cancel()
	return sub.Next(ctx)
}

func (s *Suite) TestSendThenReceive() {
	addr := s.addr()
	sub := s.subscribe(addr)
	sent := s.envelope(1)
	s.Require().NoError(s.tr.Send(s.ctx, addr, sent))

	d, err := s.next(sub, 5*time.Second)
	s.Require().NoError(err)
	got := d.Envelope
	s.Equal(sent.ID, got.ID)
	s.Equal(sent.Kind, got.Kind)
	s.Equal(sent.CorrelationID, got.CorrelationID)
	s.Equal(sent.RunID, got.RunID)
	s.Equal(sent.StageIndex, got.StageIndex)
	s.Equal(sent.Attempt, got.Attempt)
	s.Equal(string(sent.Payload.Data), string(got.Payload.Data))
	s.Equal("trace-1", got.TraceID())
	s.Equal("v1", got.TransportProperties()["image"])
	s.WithinDuration(sent.EnqueuedAt, got.EnqueuedAt, time.Millisecond)
	s.GreaterOrEqual(got.DeliveryCount, 1)
	s.Require().NoError(d.Ack(s.ctx))
}

func (s *Suite) TestSendBeforeReceiveIsRetained() {
	addr := s.addr()
	s.Require().NoError(s.tr.Send(s.ctx, addr, s.envelope(1)))

	sub := s.subscribe(addr)
	d, err := s.next(sub, 5*time.Second)
	s.Require().NoError(err)
	s.Equal(types.JobID("job-1"), d.Envelope.CorrelationID)
	s.NoError(d.Ack(s.ctx))
}

func (s *Suite) TestAllMessagesDelivered() {
	addr := s.addr()
	const n = 10
	for i := 0; i < n; i++ {
		s.Require().NoError(s.tr.Send(s.ctx, addr, s.envelope(i)))
	}

	subs := []transport.Subscription{s.subscribe(addr), s.subscribe(addr)}
	var (
		mu   sync.Mutex
		seen = make(map[types.JobID]int)
		wg   sync.WaitGroup
	)
	done := make(chan struct{})
	for _, sub := range subs {
		wg.Add(1)
		go func(sub transport.Subscription) {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				d, err := s.next(sub, 200*time.Millisecond)
				if err != nil {
					continue
				}
				mu.Lock()
				seen[d.Envelope.CorrelationID]++
				mu.Unlock()
				d.Ack(s.ctx)
			}
		}(sub)
	}

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	}, 10*time.Second, 20*time.Millisecond)
	close(done)
	wg.Wait()
}

func (s *Suite) TestEveryReceiverCanObserve() {
	addr := s.addr()
	first := s.subscribe(addr)
	second := s.subscribe(addr)
	s.Require().NoError(s.tr.Send(s.ctx, addr, s.envelope(1)))

	d1, err := s.next(first, 5*time.Second)
	s.Require().NoError(err)
	// first 持有但不確認；lease 到期後另一個 receiver 必須看得到
	d2, err := s.next(second, 10*s.Visibility+5*time.Second)
	s.Require().NoError(err)
	s.Equal(d1.Envelope.ID, d2.Envelope.ID)
	s.NoError(d2.Ack(s.ctx))
}

func (s *Suite) TestUnackedRedeliveredAfterTimeout() {
	addr := s.addr()
	sub := s.subscribe(addr)
	s.Require().NoError(s.tr.Send(s.ctx, addr, s.envelope(7)))

	first, err := s.next(sub, 5*time.Second)
	s.Require().NoError(err)
	started := time.Now()

	again, err := s.next(sub, 10*s.Visibility+5*time.Second)
	s.Require().NoError(err)
	s.Equal(first.Envelope.ID, again.Envelope.ID)
	s.Equal(types.JobID("job-7"), again.Envelope.CorrelationID)
	s.Greater(again.Envelope.DeliveryCount, first.Envelope.DeliveryCount)
	s.GreaterOrEqual(time.Since(started), s.Visibility/2, "not redelivered before the timeout")

	s.NoError(again.Ack(s.ctx))
}

func (s *Suite) TestNackRedelivers() {
	addr := s.addr()
	sub := s.subscribe(addr)
	s.Require().NoError(s.tr.Send(s.ctx, addr, s.envelope(3)))

	d, err := s.next(sub, 5*time.Second)
	s.Require().NoError(err)
	s.Require().NoError(d.Nack(s.ctx))

	again, err := s.next(sub, 5*time.Second)
	s.Require().NoError(err)
	s.Equal(d.Envelope.ID, again.Envelope.ID)
	s.NoError(again.Ack(s.ctx))
}

func (s *Suite) TestAckedNeverRedelivered() {
	addr := s.addr()
	sub := s.subscribe(addr)
	s.Require().NoError(s.tr.Send(s.ctx, addr, s.envelope(1)))

	d, err := s.next(sub, 5*time.Second)
	s.Require().NoError(err)
	s.Require().NoError(d.Ack(s.ctx))

	_, err = s.next(sub, 3*s.Visibility)
	s.True(errors.Is(err, context.DeadlineExceeded), "expected no redelivery, got %v", err)
}

func (s *Suite) TestAddressIsolation() {
	a, b := s.addr(), s.addr()
	subB := s.subscribe(b)
	s.Require().NoError(s.tr.Send(s.ctx, a, s.envelope(1)))

	_, err := s.next(subB, s.Visibility)
	s.True(errors.Is(err, context.DeadlineExceeded), "message leaked across addresses: %v", err)

	subA := s.subscribe(a)
	d, err := s.next(subA, 5*time.Second)
	s.Require().NoError(err)
	s.NoError(d.Ack(s.ctx))
}

func (s *Suite) TestCloseIsIdempotent() {
	addr := s.addr()
	sub := s.subscribe(addr)
	s.NoError(sub.Close())
	s.NoError(sub.Close())

	_, err := sub.Next(s.ctx)
	s.ErrorIs(err, transport.ErrClosed)

	s.NoError(s.tr.Close())
	s.NoError(s.tr.Close())
	err = s.tr.Send(s.ctx, addr, s.envelope(1))
	s.ErrorIs(err, transport.ErrClosed)
}
