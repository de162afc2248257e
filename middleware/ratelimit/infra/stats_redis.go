package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore grava contadores de decisão em hashes do Redis.
// Os campos são "allowed" ou o motivo da rejeição (burst_exceeded, ...); no
// hash de rotas o campo é "<rota>:<motivo>".
type RedisStatsStore struct {
	rdb redis.Cmdable

	prefix string
	// ttl aplica apenas em chaves de série temporal / por key.
	// total é cumulativo e não expira.
	ttl time.Duration

	bucket string // "minute" (padrão) ou "none"

	trackKeys bool
}

var (
	_ domain.StatsStore  = (*RedisStatsStore)(nil)
	_ domain.StatsReader = (*RedisStatsStore)(nil)
)

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "admission:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) TotalKey() string { return s.prefix + ":total" }

func (s *RedisStatsStore) RouteKey() string { return s.prefix + ":route" }

func (s *RedisStatsStore) MinuteKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
}

func (s *RedisStatsStore) ClientKey(key domain.Key) string {
	return s.prefix + ":key:" + strings.TrimSpace(string(key))
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := ev.Field()

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.TotalKey(), field, 1)

	if s.bucket == "minute" {
		bucketKey := s.MinuteKey(at)
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	if route := ev.Route(); route != "" {
		pipe.HIncrBy(ctx, s.RouteKey(), route+":"+field, 1)
	}

	if s.trackKeys && strings.TrimSpace(string(ev.Key)) != "" {
		keyKey := s.ClientKey(ev.Key)
		pipe.HIncrBy(ctx, keyKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, keyKey, s.ttl)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Forget apaga o hash por cliente. Usado como EvictFunc do Registry, então um
// erro aqui mantém o cliente em memória até o próximo ciclo do janitor.
func (s *RedisStatsStore) Forget(ctx context.Context, key domain.Key) error {
	if s == nil || s.rdb == nil || !s.trackKeys {
		return nil
	}
	if err := s.rdb.Del(ctx, s.ClientKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", s.ClientKey(key), err)
	}
	return nil
}

// Snapshot lê os hashes de total e de rotas num único pipeline.
func (s *RedisStatsStore) Snapshot(ctx context.Context) (domain.StatsSnapshot, error) {
	if s == nil || s.rdb == nil {
		return domain.StatsSnapshot{}, nil
	}
	pipe := s.rdb.Pipeline()
	total := pipe.HGetAll(ctx, s.TotalKey())
	routes := pipe.HGetAll(ctx, s.RouteKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.StatsSnapshot{}, fmt.Errorf("redis stats snapshot: %w", err)
	}
	return snapshotFromHashes(total.Val(), routes.Val()), nil
}

// snapshotFromHashes ignora campos com valor que não seja inteiro.
func snapshotFromHashes(total, routes map[string]string) domain.StatsSnapshot {
	snap := domain.StatsSnapshot{ByRoute: make(map[string]domain.Counters)}
	for field, v := range total {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			snap.Total.Add(field, n)
		}
	}
	for rf, v := range routes {
		// o path pode ter ':'; o motivo nunca tem
		i := strings.LastIndexByte(rf, ':')
		if i <= 0 {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		c := snap.ByRoute[rf[:i]]
		c.Add(rf[i+1:], n)
		snap.ByRoute[rf[:i]] = c
	}
	return snap
}
