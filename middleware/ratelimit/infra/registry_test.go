package infra

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T, cfg Config, opts ...RegistryOption) *Registry {
	t.Helper()
	r, err := NewRegistry(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func noJanitor(cfg Config) Config {
	cfg.EvictionInterval = 0
	return cfg
}

func TestNewRegistry_RejectsInvalidConfig(t *testing.T) {
	_, err := NewRegistry(Config{BurstCapacity: 0, RequestsPerMinute: 1, RequestsPerHour: 1})
	require.Error(t, err)

	_, err = NewRegistry(Config{BurstCapacity: 1, RequestsPerMinute: 0, RequestsPerHour: 1})
	require.Error(t, err)

	_, err = NewRegistry(Config{BurstCapacity: 1, RequestsPerMinute: 1, RequestsPerHour: -1})
	require.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10, cfg.BurstCapacity)
	assert.Equal(t, 60, cfg.RequestsPerMinute)
	assert.Equal(t, 1000, cfg.RequestsPerHour)
	assert.Equal(t, time.Minute, cfg.RefillWindow)
	assert.Equal(t, 5*time.Minute, cfg.EvictionInterval)
	assert.NoError(t, cfg.Validate())
}

func TestAdmit_BurstExhaustsAtCapacity(t *testing.T) {
	r := newRegistry(t, noJanitor(DefaultConfig()))

	for i := 0; i < 10; i++ {
		dec := r.Admit("c", t0)
		require.True(t, dec.Allowed, "request %d should be allowed", i)
		assert.Equal(t, domain.ReasonOK, dec.Reason)
	}

	dec := r.Admit("c", t0)
	assert.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonBurstExceeded, dec.Reason)
	assert.Equal(t, time.Second, dec.RetryAfter)
	assert.ErrorIs(t, dec.Err(), domain.ErrBurstExceeded)
}

func TestAdmit_RefillsOneTokenEverySixSeconds(t *testing.T) {
	r := newRegistry(t, noJanitor(DefaultConfig()))

	for i := 0; i < 10; i++ {
		require.True(t, r.Admit("c", t0).Allowed)
	}

	assert.False(t, r.Admit("c", t0.Add(5999*time.Millisecond)).Allowed, "token must not appear before 6s")

	later := t0.Add(6 * time.Second)
	assert.True(t, r.Admit("c", later).Allowed)
	assert.False(t, r.Admit("c", later).Allowed, "only one token refilled after 6s")
}

func TestAdmit_RefillNeverExceedsCapacity(t *testing.T) {
	r := newRegistry(t, noJanitor(Config{BurstCapacity: 3, RequestsPerMinute: 100, RequestsPerHour: 100}))

	require.True(t, r.Admit("c", t0).Allowed)

	lim := r.GetLimits("c", t0.Add(30*time.Minute))
	assert.Equal(t, 3, lim.BurstTokens)
	assert.Equal(t, 3, lim.BurstLimit)
}

func TestAdmit_MinuteWindow(t *testing.T) {
	r := newRegistry(t, noJanitor(Config{BurstCapacity: 100, RequestsPerMinute: 60, RequestsPerHour: 1000}))

	for i := 0; i < 60; i++ {
		// espalha dentro da mesma janela de 60s
		require.True(t, r.Admit("c", t0.Add(time.Duration(i)*500*time.Millisecond)).Allowed, "request %d", i)
	}

	dec := r.Admit("c", t0.Add(59*time.Second))
	assert.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonMinuteExceeded, dec.Reason)
	assert.Equal(t, 60*time.Second, dec.RetryAfter)
	assert.ErrorIs(t, dec.Err(), domain.ErrMinuteRateExceeded)

	// depois que a janela inteira passa, volta a aceitar
	assert.True(t, r.Admit("c", t0.Add(2*time.Minute)).Allowed)
}

func TestAdmit_HourWindow(t *testing.T) {
	r := newRegistry(t, noJanitor(Config{BurstCapacity: 100, RequestsPerMinute: 100, RequestsPerHour: 3}))

	for i := 0; i < 3; i++ {
		require.True(t, r.Admit("c", t0.Add(time.Duration(i)*2*time.Minute)).Allowed)
	}

	dec := r.Admit("c", t0.Add(10*time.Minute))
	assert.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonHourExceeded, dec.Reason)
	assert.Equal(t, time.Hour, dec.RetryAfter)
	assert.ErrorIs(t, dec.Err(), domain.ErrHourRateExceeded)

	assert.True(t, r.Admit("c", t0.Add(61*time.Minute)).Allowed)
}

func TestAdmit_EndToEndScenario(t *testing.T) {
	r := newRegistry(t, noJanitor(Config{BurstCapacity: 2, RequestsPerMinute: 5, RequestsPerHour: 1000}))

	assert.True(t, r.Admit("c1", t0).Allowed)
	assert.True(t, r.Admit("c1", t0).Allowed)

	dec := r.Admit("c1", t0)
	assert.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonBurstExceeded, dec.Reason)

	// 60s / 2 tokens = um token a cada 30s
	dec = r.Admit("c1", t0.Add(30*time.Second))
	assert.True(t, dec.Allowed)

	lim := r.GetLimits("c1", t0.Add(30*time.Second))
	assert.Equal(t, 3, lim.MinuteUsage)
	assert.Equal(t, 5, lim.MinuteLimit)
}

func TestAdmit_ClientsAreIndependent(t *testing.T) {
	r := newRegistry(t, noJanitor(Config{BurstCapacity: 1, RequestsPerMinute: 10, RequestsPerHour: 10}))

	assert.True(t, r.Admit("a", t0).Allowed)
	assert.False(t, r.Admit("a", t0).Allowed)
	assert.True(t, r.Admit("b", t0).Allowed)
}

func TestAdmit_ClockGoingBackwardsKeepsWindowsOrdered(t *testing.T) {
	r := newRegistry(t, noJanitor(Config{BurstCapacity: 10, RequestsPerMinute: 10, RequestsPerHour: 10}))

	require.True(t, r.Admit("c", t0.Add(time.Minute)).Allowed)
	require.True(t, r.Admit("c", t0).Allowed)

	r.mu.Lock()
	c := r.clients["c"]
	r.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 1; i < len(c.hour); i++ {
		assert.False(t, c.hour[i].Before(c.hour[i-1]), "hour window must be non-decreasing")
	}
}

func TestAdmit_ConcurrentCallsNeverExceedBurst(t *testing.T) {
	r := newRegistry(t, noJanitor(Config{BurstCapacity: 10, RequestsPerMinute: 1000, RequestsPerHour: 1000}))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Admit("hot", t0).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
}

func TestGetLimits_DoesNotMutate(t *testing.T) {
	r := newRegistry(t, noJanitor(DefaultConfig()))

	lim := r.GetLimits("ghost", t0)
	assert.Equal(t, domain.Limits{MinuteLimit: 60, HourLimit: 1000, BurstTokens: 10, BurstLimit: 10}, lim)
	assert.Equal(t, 0, r.Len(), "reading limits must not create a client")

	require.True(t, r.Admit("c", t0).Allowed)
	before := r.GetLimits("c", t0.Add(30*time.Second))
	after := r.GetLimits("c", t0.Add(30*time.Second))
	assert.Equal(t, before, after)
	assert.Equal(t, 1, before.MinuteUsage)
	assert.Equal(t, 1, before.HourUsage)
	assert.Equal(t, 10, before.BurstTokens)

	// a leitura com refill não pode ter adiantado lastRefill
	r.mu.Lock()
	c := r.clients["c"]
	r.mu.Unlock()
	c.mu.Lock()
	assert.Equal(t, 9, c.tokens)
	assert.True(t, c.lastRefill.Equal(t0))
	c.mu.Unlock()
}

func TestSweep_RemovesIdleClientsOnly(t *testing.T) {
	r := newRegistry(t, noJanitor(DefaultConfig()))

	require.True(t, r.Admit("old", t0).Allowed)
	require.True(t, r.Admit("recent", t0.Add(30*time.Minute)).Allowed)

	removed := r.Sweep(context.Background(), t0.Add(time.Hour+time.Second))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, r.Len())

	lim := r.GetLimits("recent", t0.Add(time.Hour+time.Second))
	assert.Equal(t, 1, lim.HourUsage)
}

func TestSweep_EvictedClientStartsFresh(t *testing.T) {
	r := newRegistry(t, noJanitor(Config{BurstCapacity: 2, RequestsPerMinute: 100, RequestsPerHour: 2}))

	require.True(t, r.Admit("c", t0).Allowed)
	require.True(t, r.Admit("c", t0).Allowed)
	require.False(t, r.Admit("c", t0).Allowed)

	later := t0.Add(2 * time.Hour)
	require.Equal(t, 1, r.Sweep(context.Background(), later))

	assert.Equal(t, domain.Limits{MinuteLimit: 100, HourLimit: 2, BurstTokens: 2, BurstLimit: 2}, r.GetLimits("c", later))
	assert.True(t, r.Admit("c", later).Allowed)
	assert.True(t, r.Admit("c", later).Allowed)
}

func TestSweep_HookFailureKeepsClientForNextCycle(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var forgotten []domain.Key

	r := newRegistry(t, noJanitor(DefaultConfig()), WithOnEvict(func(_ context.Context, k domain.Key) error {
		if fail.Load() {
			return errors.New("redis down")
		}
		forgotten = append(forgotten, k)
		return nil
	}))

	require.True(t, r.Admit("c", t0).Allowed)
	later := t0.Add(2 * time.Hour)

	assert.Equal(t, 0, r.Sweep(context.Background(), later))
	assert.Equal(t, 1, r.Len())

	fail.Store(false)
	assert.Equal(t, 1, r.Sweep(context.Background(), later))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, []domain.Key{"c"}, forgotten)
}

func TestSweep_HookRunsAfterRemoval(t *testing.T) {
	cfg := noJanitor(DefaultConfig())
	r := newRegistry(t, cfg)
	require.True(t, r.Admit("c", t0).Allowed)

	later := t0.Add(2 * time.Hour)
	var calls int
	r.onEvict = func(context.Context, domain.Key) error {
		calls++
		// quem volta durante o hook já encontra uma entrada nova
		require.True(t, r.Admit("c", later).Allowed)
		return nil
	}

	assert.Equal(t, 1, r.Sweep(context.Background(), later))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, r.Len())
	lim := r.GetLimits("c", later)
	assert.Equal(t, cfg.BurstCapacity-1, lim.BurstTokens)
	assert.Equal(t, 1, lim.HourUsage)
}

func TestSweep_HookNotCalledForActiveClient(t *testing.T) {
	var calls int
	r := newRegistry(t, noJanitor(DefaultConfig()), WithOnEvict(func(context.Context, domain.Key) error {
		calls++
		return nil
	}))
	require.True(t, r.Admit("c", t0).Allowed)

	assert.Equal(t, 0, r.Sweep(context.Background(), t0.Add(30*time.Minute)))
	assert.Zero(t, calls)
}

func TestSweep_FailedHookDoesNotReplaceReturningClient(t *testing.T) {
	r := newRegistry(t, noJanitor(DefaultConfig()))
	for i := 0; i < 3; i++ {
		require.True(t, r.Admit("c", t0).Allowed)
	}

	later := t0.Add(2 * time.Hour)
	r.onEvict = func(context.Context, domain.Key) error {
		require.True(t, r.Admit("c", later).Allowed)
		return errors.New("redis down")
	}

	assert.Equal(t, 0, r.Sweep(context.Background(), later))
	assert.Equal(t, 1, r.Len())
	// a entrada nova (um request) ficou, não a antiga (três)
	assert.Equal(t, 1, r.GetLimits("c", later).HourUsage)
}

func TestSweep_PanickingHookKeepsClient(t *testing.T) {
	r := newRegistry(t, noJanitor(DefaultConfig()), WithOnEvict(func(context.Context, domain.Key) error {
		panic("boom")
	}))
	require.True(t, r.Admit("c", t0).Allowed)

	assert.Equal(t, 0, r.Sweep(context.Background(), t0.Add(2*time.Hour)))
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Admit("c", t0.Add(2*time.Hour)).Allowed)
}

func TestJanitor_EvictsOnTicker(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(t0)

	cfg := DefaultConfig()
	r := newRegistry(t, cfg, WithClock(mock))

	require.True(t, r.Admit("c", mock.Now()).Allowed)
	require.Equal(t, 1, r.Len())

	mock.Add(2 * time.Hour)

	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestJanitor_SurvivesPanickingHook(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(t0)

	var calls atomic.Int64
	r := newRegistry(t, DefaultConfig(), WithClock(mock), WithOnEvict(func(context.Context, domain.Key) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}))

	require.True(t, r.Admit("c", mock.Now()).Allowed)
	mock.Add(65 * time.Minute)
	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	mock.Add(10 * time.Minute)
	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClose_IsIdempotent(t *testing.T) {
	r, err := NewRegistry(DefaultConfig())
	require.NoError(t, err)
	r.Close()
	r.Close()
}
