package infra

import (
	"context"
	"errors"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStatsStore_CountsByReason(t *testing.T) {
	s := NewMemoryStatsStore(WithTrackKeys(true))
	ctx := context.Background()

	events := []domain.StatsEvent{
		{Key: "a", Allowed: true, Reason: domain.ReasonOK, Method: "GET", Path: "/q"},
		{Key: "a", Reason: domain.ReasonBurstExceeded, Method: "GET", Path: "/q"},
		{Key: "b", Reason: domain.ReasonMinuteExceeded, Method: "POST", Path: "/s"},
		{Key: "b", Reason: domain.ReasonHourExceeded, Method: "POST", Path: "/s"},
	}
	for _, ev := range events {
		require.NoError(t, s.Record(ctx, ev))
	}

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Counters{Allowed: 1, BurstExceeded: 1, MinuteExceeded: 1, HourExceeded: 1}, snap.Total)
	assert.Equal(t, int64(3), snap.Total.Denied())
	assert.Equal(t, domain.Counters{Allowed: 1, BurstExceeded: 1}, snap.ByRoute["GET /q"])
	assert.Equal(t, int64(2), s.ByKey()["b"].Denied())

	require.NoError(t, s.Forget(ctx, "b"))
	_, ok := s.ByKey()["b"]
	assert.False(t, ok)
}

func TestMemoryStatsStore_DoesNotTrackKeysByDefault(t *testing.T) {
	s := NewMemoryStatsStore()
	require.NoError(t, s.Record(context.Background(), domain.StatsEvent{Key: "a", Allowed: true}))
	assert.Empty(t, s.ByKey())
}

func TestPromStatsStore_IncrementsDecisionLabel(t *testing.T) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_decisions_total"}, []string{"decision"})
	s := NewPromStatsStore(vec)

	require.NoError(t, s.Record(context.Background(), domain.StatsEvent{Allowed: true}))
	require.NoError(t, s.Record(context.Background(), domain.StatsEvent{Reason: domain.ReasonHourExceeded}))
	require.NoError(t, s.Record(context.Background(), domain.StatsEvent{Reason: domain.ReasonHourExceeded}))

	assert.Equal(t, float64(1), testutil.ToFloat64(vec.WithLabelValues("allowed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(vec.WithLabelValues("hour_exceeded")))
}

type failingStats struct{ calls int }

func (f *failingStats) Record(context.Context, domain.StatsEvent) error {
	f.calls++
	return errors.New("down")
}

func TestMultiStatsStore_DeliversToAll(t *testing.T) {
	failing := &failingStats{}
	mem := NewMemoryStatsStore()

	err := MultiStatsStore{failing, nil, mem}.Record(context.Background(), domain.StatsEvent{Allowed: true})
	assert.Error(t, err)
	assert.Equal(t, 1, failing.calls)
	snap, _ := mem.Snapshot(context.Background())
	assert.Equal(t, int64(1), snap.Total.Allowed)
}

func TestRedisStatsStore_NilClientIsNoop(t *testing.T) {
	s := NewRedisStatsStore(nil, WithStatsPrefix(":custom:"), WithStatsTrackKeys(true))
	assert.NoError(t, s.Record(context.Background(), domain.StatsEvent{Key: "a"}))
	assert.NoError(t, s.Forget(context.Background(), "a"))

	snap, err := s.Snapshot(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, snap.Total)

	assert.Equal(t, "custom:total", s.TotalKey())
	assert.Equal(t, "custom:route", s.RouteKey())
	assert.Equal(t, "custom:key:a", s.ClientKey("a"))
	at := time.Date(2026, 3, 1, 12, 34, 0, 0, time.UTC)
	assert.Equal(t, "custom:minute:202603011234", s.MinuteKey(at))
}

func TestStatsEvent_Field(t *testing.T) {
	assert.Equal(t, "allowed", domain.StatsEvent{Allowed: true}.Field())
	assert.Equal(t, "burst_exceeded", domain.StatsEvent{Reason: domain.ReasonBurstExceeded}.Field())
	assert.Equal(t, "denied", domain.StatsEvent{}.Field())
}

func TestSnapshotFromHashes(t *testing.T) {
	snap := snapshotFromHashes(
		map[string]string{"allowed": "7", "burst_exceeded": "2", "denied": "1", "hour_exceeded": "x"},
		map[string]string{
			"GET /streams/a:b/messages:allowed":         "3",
			"GET /streams/a:b/messages:minute_exceeded": "1",
			"POST /streams:hour_exceeded":               "4",
			"GET /nothing-here":                         "9",
		},
	)
	assert.Equal(t, domain.Counters{Allowed: 7, BurstExceeded: 3}, snap.Total)
	assert.Equal(t, domain.Counters{Allowed: 3, MinuteExceeded: 1}, snap.ByRoute["GET /streams/a:b/messages"])
	assert.Equal(t, domain.Counters{HourExceeded: 4}, snap.ByRoute["POST /streams"])
	assert.Len(t, snap.ByRoute, 2)
}

func TestStatsEvent_Route(t *testing.T) {
	assert.Equal(t, "GET /q", domain.StatsEvent{Method: " GET", Path: "/q "}.Route())
	assert.Equal(t, "/q", domain.StatsEvent{Path: "/q"}.Route())
	assert.Empty(t, domain.StatsEvent{}.Route())
}
