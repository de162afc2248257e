// Package config carrega a configuração do gateway com viper: padrões,
// arquivo YAML opcional e variáveis de ambiente com prefixo GATEWAY_
// (ex.: GATEWAY_RATE_BURST_CAPACITY=20).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"admission-gateway/gateway/application"
	"admission-gateway/gateway/domain"
	rlinfra "admission-gateway/middleware/ratelimit/infra"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const EnvPrefix = "GATEWAY"

type Config struct {
	ListenAddr  string            `mapstructure:"listen_addr"`
	Rate        RateConfig        `mapstructure:"rate"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Log         LogConfig         `mapstructure:"log"`
}

type RateConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	BurstCapacity     int           `mapstructure:"burst_capacity"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	RequestsPerHour   int           `mapstructure:"requests_per_hour"`
	EvictionInterval  time.Duration `mapstructure:"eviction_interval"`
	KeyHeader         string        `mapstructure:"key_header"`
	TrustForwarded    bool          `mapstructure:"trust_forwarded"`
	AddHeaders        bool          `mapstructure:"add_headers"`
	Stats             StatsConfig   `mapstructure:"stats"`
}

// StatsConfig escolhe onde as decisões do rate limit são contadas.
// Backend: memory | redis | none.
type StatsConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Prefix        string        `mapstructure:"prefix"`
	TTL           time.Duration `mapstructure:"ttl"`
	Bucket        string        `mapstructure:"bucket"`
	TrackKeys     bool          `mapstructure:"track_keys"`
}

type ConcurrencyConfig struct {
	Max     int           `mapstructure:"max"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type StreamConfig struct {
	ChannelCapacity      int           `mapstructure:"channel_capacity"`
	SessionTTL           time.Duration `mapstructure:"session_ttl"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	Compression          bool          `mapstructure:"compression"`
	CompressionThreshold int           `mapstructure:"compression_threshold"`
	MessageRate          float64       `mapstructure:"message_rate"`
	MessageBurst         int           `mapstructure:"message_burst"`
}

type GatewayConfig struct {
	LatencyTarget   time.Duration       `mapstructure:"latency_target"`
	BaselineLatency time.Duration       `mapstructure:"baseline_latency"`
	Lanes           []domain.LaneConfig `mapstructure:"lanes"`
	UpstreamURL     string              `mapstructure:"upstream_url"`
	Kafka           KafkaConfig         `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ProxyConfig: com UpstreamURL definido, rotas fora da API do gateway são
// encaminhadas para esse serviço, atrás do mesmo rate limit.
type ProxyConfig struct {
	UpstreamURL string `mapstructure:"upstream_url"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")

	v.SetDefault("rate.enabled", true)
	v.SetDefault("rate.burst_capacity", 10)
	v.SetDefault("rate.requests_per_minute", 60)
	v.SetDefault("rate.requests_per_hour", 1000)
	v.SetDefault("rate.eviction_interval", "300s")
	v.SetDefault("rate.key_header", "")
	v.SetDefault("rate.trust_forwarded", true)
	v.SetDefault("rate.add_headers", false)
	v.SetDefault("rate.stats.backend", "memory")
	v.SetDefault("rate.stats.redis_addr", "")
	v.SetDefault("rate.stats.redis_password", "")
	v.SetDefault("rate.stats.redis_db", 0)
	v.SetDefault("rate.stats.prefix", "admission:stats")
	v.SetDefault("rate.stats.ttl", "24h")
	v.SetDefault("rate.stats.bucket", "minute")
	v.SetDefault("rate.stats.track_keys", false)

	v.SetDefault("concurrency.max", 100)
	v.SetDefault("concurrency.timeout", "0s")

	v.SetDefault("stream.channel_capacity", 500)
	v.SetDefault("stream.session_ttl", "3600s")
	v.SetDefault("stream.sweep_interval", "300s")
	v.SetDefault("stream.compression", true)
	v.SetDefault("stream.compression_threshold", 100)
	v.SetDefault("stream.message_rate", 0)
	v.SetDefault("stream.message_burst", 0)

	v.SetDefault("gateway.latency_target", "100ms")
	v.SetDefault("gateway.baseline_latency", "500ms")
	v.SetDefault("gateway.lanes", []map[string]any{
		{"name": "express", "max_tokens": 5, "budget": "30ms", "max_in_flight": 0},
		{"name": "standard", "max_tokens": 15, "budget": "80ms", "max_in_flight": 0},
		{"name": "deep", "max_tokens": 0, "budget": "120ms", "max_in_flight": 0},
	})
	v.SetDefault("gateway.upstream_url", "")
	v.SetDefault("gateway.kafka.brokers", []string{})
	v.SetDefault("gateway.kafka.topic", "gateway-results")

	v.SetDefault("proxy.upstream_url", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// NewViper devolve uma instância com padrões e leitura de ambiente ligadas.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load lê o arquivo (se path não for vazio), aplica ambiente e valida.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var err error
	if strings.TrimSpace(c.ListenAddr) == "" {
		err = multierr.Append(err, errors.New("listen_addr is required"))
	}
	if c.Rate.Enabled {
		err = multierr.Append(err, c.Limiter().Validate())
	}
	switch c.Rate.Stats.Backend {
	case "memory", "none", "":
	case "redis":
		if strings.TrimSpace(c.Rate.Stats.RedisAddr) == "" {
			err = multierr.Append(err, errors.New("rate.stats.redis_addr is required when rate.stats.backend=redis"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("unknown rate.stats.backend %q", c.Rate.Stats.Backend))
	}
	if c.Concurrency.Max < 0 {
		err = multierr.Append(err, errors.New("concurrency.max must be >= 0"))
	}
	if len(c.Gateway.Kafka.Brokers) > 0 && strings.TrimSpace(c.Gateway.Kafka.Topic) == "" {
		err = multierr.Append(err, errors.New("gateway.kafka.topic is required when brokers are set"))
	}
	return multierr.Append(err, c.StreamRegistry().Validate())
}

// Limiter converte a seção rate para o Config do rate limiter.
func (c Config) Limiter() rlinfra.Config {
	return rlinfra.Config{
		BurstCapacity:     c.Rate.BurstCapacity,
		RequestsPerMinute: c.Rate.RequestsPerMinute,
		RequestsPerHour:   c.Rate.RequestsPerHour,
		RefillWindow:      time.Minute,
		EvictionInterval:  c.Rate.EvictionInterval,
	}
}

// StreamRegistry converte as seções stream e gateway para o Config do registry.
func (c Config) StreamRegistry() application.Config {
	return application.Config{
		ChannelCapacity:      c.Stream.ChannelCapacity,
		SessionTTL:           c.Stream.SessionTTL,
		Compression:          c.Stream.Compression,
		CompressionThreshold: c.Stream.CompressionThreshold,
		MessageRate:          c.Stream.MessageRate,
		MessageBurst:         c.Stream.MessageBurst,
		LatencyTarget:        c.Gateway.LatencyTarget,
		BaselineLatency:      c.Gateway.BaselineLatency,
		Lanes:                c.Gateway.Lanes,
		SweepInterval:        c.Stream.SweepInterval,
	}
}
