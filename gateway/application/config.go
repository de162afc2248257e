package application

import (
	"errors"
	"fmt"
	"time"

	"admission-gateway/gateway/domain"
	"admission-gateway/gateway/infra"
)

type Config struct {
	ChannelCapacity      int
	SessionTTL           time.Duration
	Compression          bool
	CompressionThreshold int
	MessageRate          float64
	MessageBurst         int

	LatencyTarget   time.Duration
	BaselineLatency time.Duration
	Lanes           []domain.LaneConfig

	// SweepInterval é o período da limpeza de sessões expiradas. <= 0 desliga.
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ChannelCapacity:      infra.DefaultChannelCapacity,
		SessionTTL:           infra.DefaultSessionTTL,
		Compression:          true,
		CompressionThreshold: infra.DefaultCompressionThreshold,
		LatencyTarget:        100 * time.Millisecond,
		BaselineLatency:      500 * time.Millisecond,
		Lanes:                domain.DefaultLanes(),
		SweepInterval:        5 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.ChannelCapacity <= 0 {
		return errors.New("channel capacity must be > 0")
	}
	if c.SessionTTL <= 0 {
		return errors.New("session ttl must be > 0")
	}
	if c.CompressionThreshold < 0 {
		return errors.New("compression threshold must be >= 0")
	}
	if c.MessageRate < 0 {
		return errors.New("message rate must be >= 0")
	}
	if c.LatencyTarget <= 0 {
		return errors.New("latency target must be > 0")
	}
	if err := domain.ValidateLanes(c.Lanes); err != nil {
		return fmt.Errorf("lanes: %w", err)
	}
	return nil
}
