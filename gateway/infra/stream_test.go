package infra

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"admission-gateway/gateway/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	domain.NopObserver
	mu           sync.Mutex
	sent         int
	received     int
	backpressure int
}

func (o *countingObserver) MessageSent(int, bool, float64) {
	o.mu.Lock()
	o.sent++
	o.mu.Unlock()
}

func (o *countingObserver) MessageReceived(int) {
	o.mu.Lock()
	o.received++
	o.mu.Unlock()
}

func (o *countingObserver) Backpressure() {
	o.mu.Lock()
	o.backpressure++
	o.mu.Unlock()
}

func newStream(t *testing.T, cfg StreamConfig, obs domain.Observer) *Stream {
	t.Helper()
	s := NewStream("s1", "owner-1", time.Now(), cfg, newCodec(t), obs, nil)
	t.Cleanup(s.Close)
	return s
}

func TestStream_FIFOOrder(t *testing.T) {
	s := newStream(t, StreamConfig{Capacity: 10, Compression: true}, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Send(ctx, payload{Count: i}))
	}
	for i := 0; i < 5; i++ {
		var out payload
		require.NoError(t, s.Receive(ctx, &out))
		assert.Equal(t, i, out.Count)
	}
}

func TestStream_RoundTripWithAndWithoutCompression(t *testing.T) {
	for _, compression := range []bool{true, false} {
		s := newStream(t, StreamConfig{Capacity: 4, Compression: compression}, nil)
		ctx := context.Background()

		small := payload{Name: "tiny"}
		large := payload{Name: strings.Repeat("repeat-me ", 100), Tags: []string{"x"}, Extra: map[string]int{"a": 1}}

		require.NoError(t, s.Send(ctx, small))
		require.NoError(t, s.Send(ctx, large))

		var got1, got2 payload
		require.NoError(t, s.Receive(ctx, &got1))
		require.NoError(t, s.Receive(ctx, &got2))
		assert.Equal(t, small, got1)
		assert.Equal(t, large, got2)

		m := s.Metrics()
		assert.Equal(t, int64(2), m.MessagesSent)
		assert.Equal(t, int64(2), m.MessagesReceived)
		if compression {
			assert.Equal(t, int64(1), m.CompressedMessages)
			assert.Greater(t, m.CompressionSavings, 0.0)
		} else {
			assert.Zero(t, m.CompressedMessages)
		}
	}
}

func TestStream_SendBlocksWhenFull(t *testing.T) {
	obs := &countingObserver{}
	s := newStream(t, StreamConfig{Capacity: 2}, obs)
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, 1))
	require.NoError(t, s.Send(ctx, 2))

	sent := make(chan error, 1)
	go func() { sent <- s.Send(ctx, 3) }()

	select {
	case err := <-sent:
		t.Fatalf("send on a full channel returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	var v int
	require.NoError(t, s.Receive(ctx, &v))
	assert.Equal(t, 1, v)

	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked send was not released after receive")
	}
	assert.Equal(t, 2, s.Pending())
	assert.Equal(t, 1, obs.backpressure)
}

func TestStream_TimedOutSendDoesNotEnqueue(t *testing.T) {
	s := newStream(t, StreamConfig{Capacity: 1}, nil)
	require.NoError(t, s.Send(context.Background(), "first"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Send(ctx, "second")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, 1, s.Pending())
	assert.Equal(t, int64(1), s.Metrics().MessagesSent)

	var out string
	require.NoError(t, s.Receive(context.Background(), &out))
	assert.Equal(t, "first", out)
}

func TestStream_TrySendReportsChannelFull(t *testing.T) {
	s := newStream(t, StreamConfig{Capacity: 1}, nil)
	require.NoError(t, s.TrySend("a"))

	err := s.TrySend("b")
	assert.ErrorIs(t, err, domain.ErrChannelFull)
	assert.Equal(t, 1, s.Pending())
}

func TestStream_ReceiveBlocksUntilContextDone(t *testing.T) {
	s := newStream(t, StreamConfig{Capacity: 1}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var out string
	assert.ErrorIs(t, s.Receive(ctx, &out), context.DeadlineExceeded)
	assert.Zero(t, s.Metrics().MessagesReceived)
}

func TestStream_PendingMessageWinsOverExpiredContext(t *testing.T) {
	s := newStream(t, StreamConfig{Capacity: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 200; i++ {
		require.NoError(t, s.TrySend(i))
		var out int
		require.NoError(t, s.Receive(ctx, &out), "iteration %d", i)
		assert.Equal(t, i, out)
	}
	var out int
	assert.ErrorIs(t, s.Receive(ctx, &out), context.Canceled)
}

func TestStream_SerializationFailureLeavesChannelIntact(t *testing.T) {
	obs := &countingObserver{}
	s := newStream(t, StreamConfig{Capacity: 2}, obs)

	err := s.Send(context.Background(), func() {})
	assert.ErrorIs(t, err, domain.ErrSerializationFailed)
	assert.Equal(t, 0, s.Pending())
	assert.Zero(t, s.Metrics().MessagesSent)
	assert.Zero(t, obs.sent)
}

func TestStream_DecodeFailureDropsOnlyThatMessage(t *testing.T) {
	s := newStream(t, StreamConfig{Capacity: 4}, nil)
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, "text"))
	require.NoError(t, s.Send(ctx, 42))

	var n int
	assert.ErrorIs(t, s.Receive(ctx, &n), domain.ErrSerializationFailed)
	require.NoError(t, s.Receive(ctx, &n))
	assert.Equal(t, 42, n)
	assert.Equal(t, int64(1), s.Metrics().MessagesReceived)
}

func TestStream_CloseReleasesBlockedCallers(t *testing.T) {
	s := newStream(t, StreamConfig{Capacity: 1}, nil)

	recvErr := make(chan error, 1)
	go func() {
		var out string
		recvErr <- s.Receive(context.Background(), &out)
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-recvErr:
		assert.ErrorIs(t, err, domain.ErrStreamNotFound)
	case <-time.After(time.Second):
		t.Fatal("receive not released by close")
	}

	assert.ErrorIs(t, s.Send(context.Background(), "x"), domain.ErrStreamNotFound)
	assert.True(t, s.Closed())
	s.Close()
}

func TestStream_MessageRatePacesSends(t *testing.T) {
	s := newStream(t, StreamConfig{Capacity: 10, MessageRate: 20, MessageBurst: 1}, nil)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Send(ctx, i))
	}
	// burst 1 a 20/s: a 2ª e a 3ª esperam ~50ms cada
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestStream_RecordQuery(t *testing.T) {
	s := newStream(t, StreamConfig{}, nil)
	s.RecordQuery(10 * time.Millisecond)
	s.RecordQuery(30 * time.Millisecond)

	m := s.Metrics()
	assert.Equal(t, int64(2), m.Queries)
	assert.Equal(t, 40*time.Millisecond, m.QueryLatency)
	assert.Equal(t, DefaultChannelCapacity, m.Capacity)
	assert.Equal(t, "owner-1", m.OwnerID)
}

func TestStream_TrySendNeverWaitsForPacer(t *testing.T) {
	s := newStream(t, StreamConfig{Capacity: 10, MessageRate: 1, MessageBurst: 1}, nil)

	start := time.Now()
	require.NoError(t, s.TrySend("a"))
	err := s.TrySend("b")
	assert.ErrorIs(t, err, domain.ErrChannelFull)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, s.Pending())
	assert.Equal(t, int64(1), s.Metrics().MessagesSent)
}
