package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ChuLiYu/stageflow/internal/transport"
	"github.com/ChuLiYu/stageflow/internal/transport/transporttest"
)

func TestMemoryConformance(t *testing.T) {
	suite.Run(t, &transporttest.Suite{
		NewTransport: func(visibility time.Duration) transport.Transport {
			return New(Options{VisibilityTimeout: visibility})
		},
		Visibility: 100 * time.Millisecond,
	})
}

func TestMemoryConformanceWithReordering(t *testing.T) {
	suite.Run(t, &transporttest.Suite{
		NewTransport: func(visibility time.Duration) transport.Transport {
			return New(Options{VisibilityTimeout: visibility, Reorder: true, Seed: 42})
		},
		Visibility: 100 * time.Millisecond,
	})
}

func env(id string) transport.Envelope {
	e := transport.NewEnvelope(transport.KindRunCreated, "run-1")
	e.ID = id
	return e
}

func TestDuplicateDelivery(t *testing.T) {
	tr := New(Options{DuplicateRate: 1})
	defer tr.Close()
	ctx := context.Background()

	require.NoError(t, tr.Send(ctx, transport.RunCreatedAddress, env("m1")))
	ready, _ := tr.Depth(transport.RunCreatedAddress)
	assert.Equal(t, 2, ready)

	sub, err := tr.Receive(ctx, transport.RunCreatedAddress)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		d, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "m1", d.Envelope.ID)
		require.NoError(t, d.Ack(ctx))
	}
}

func TestReorderIsDeterministicPerSeed(t *testing.T) {
	order := func() []string {
		tr := New(Options{Reorder: true, Seed: 7})
		defer tr.Close()
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c", "d", "e"} {
			require.NoError(t, tr.Send(ctx, transport.RunCreatedAddress, env(id)))
		}
		sub, err := tr.Receive(ctx, transport.RunCreatedAddress)
		require.NoError(t, err)
		var got []string
		for i := 0; i < 5; i++ {
			d, err := sub.Next(ctx)
			require.NoError(t, err)
			got = append(got, d.Envelope.ID)
			d.Ack(ctx)
		}
		return got
	}
	first := order()
	assert.Equal(t, first, order())
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, first)
}

func TestSendCopiesEnvelope(t *testing.T) {
	tr := New(Options{})
	defer tr.Close()
	ctx := context.Background()

	e := env("m1")
	e.Headers["k"] = "v"
	require.NoError(t, tr.Send(ctx, transport.CancelAddress, e))
	e.Headers["k"] = "mutated"

	sub, err := tr.Receive(ctx, transport.CancelAddress)
	require.NoError(t, err)
	d, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v", d.Envelope.Headers["k"])
}

func TestSettleAfterLeaseExpiry(t *testing.T) {
	tr := New(Options{VisibilityTimeout: 20 * time.Millisecond})
	defer tr.Close()
	ctx := context.Background()

	require.NoError(t, tr.Send(ctx, transport.CancelAddress, env("m1")))
	sub, err := tr.Receive(ctx, transport.CancelAddress)
	require.NoError(t, err)

	first, err := sub.Next(ctx)
	require.NoError(t, err)
	second, err := sub.Next(ctx) // 等待 lease 到期後重新投遞
	require.NoError(t, err)
	assert.Equal(t, 2, second.Envelope.DeliveryCount)

	assert.ErrorIs(t, first.Ack(ctx), transport.ErrLeaseExpired)
	assert.NoError(t, second.Ack(ctx))
}

func TestCloseWakesReceivers(t *testing.T) {
	tr := New(Options{})
	sub, err := tr.Receive(context.Background(), transport.CancelAddress)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, transport.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("receiver not woken by Close")
	}
}
