// Package throttle paces detail-page requests per proxy. Each proxy carries
// an adaptive delay shared through Redis: successes shave it down toward the
// floor, upstream pushback bumps it up toward the ceiling, one step at a
// time in both directions.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/partsbay/harvester/internal/logger"
)

// Config holds delay controller settings. Durations are stored in Redis as
// integral microseconds.
type Config struct {
	KeyPrefix string
	// Default seeds a proxy that has no stored delay yet.
	Default time.Duration
	// Step is the additive adjustment applied per outcome.
	Step time.Duration
	// Floor and Ceiling clamp the stored delay.
	Floor   time.Duration
	Ceiling time.Duration
	// NoProxy is the fixed pace for direct, proxyless requests.
	NoProxy time.Duration
}

// Delay is the shared per-proxy pace controller.
type Delay struct {
	client *redis.Client
	logger logger.Logger
	cfg    Config
}

// NewDelay creates a delay controller.
func NewDelay(client *redis.Client, log logger.Logger, cfg Config) *Delay {
	return &Delay{client: client, logger: log, cfg: cfg}
}

func (d *Delay) key(proxyKey string) string {
	return d.cfg.KeyPrefix + proxyKey
}

// Wait sleeps the current delay for proxyKey. An empty proxyKey means a
// direct request and gets the fixed no-proxy pace. A Redis failure falls
// back to the default delay rather than letting requests run unpaced.
func (d *Delay) Wait(ctx context.Context, proxyKey string) error {
	delay := d.cfg.NoProxy
	if proxyKey != "" {
		delay = d.Current(ctx, proxyKey)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// Current returns the stored delay for proxyKey, or the default when the
// proxy is unknown or Redis cannot answer.
func (d *Delay) Current(ctx context.Context, proxyKey string) time.Duration {
	micros, err := d.client.Get(ctx, d.key(proxyKey)).Int64()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			d.logger.Warn("failed to read proxy delay, using default",
				logger.String("proxy", proxyKey), logger.Error(err))
		}
		return d.cfg.Default
	}
	return time.Duration(micros) * time.Microsecond
}

// adjustScript applies a clamped additive adjustment to a stored delay.
// KEYS[1] delay key; ARGV: default, delta, floor, ceiling (microseconds).
var adjustScript = redis.NewScript(`
	local v = tonumber(redis.call("get", KEYS[1]))
	if v == nil then v = tonumber(ARGV[1]) end
	v = v + tonumber(ARGV[2])
	local floor = tonumber(ARGV[3])
	local ceiling = tonumber(ARGV[4])
	if v < floor then v = floor end
	if v > ceiling then v = ceiling end
	redis.call("set", KEYS[1], v)
	return v
`)

// Reward shaves one step off the proxy's delay after a successful request.
func (d *Delay) Reward(ctx context.Context, proxyKey string) {
	d.adjust(ctx, proxyKey, -d.cfg.Step)
}

// Penalize adds one step to the proxy's delay after upstream pushback.
func (d *Delay) Penalize(ctx context.Context, proxyKey string) {
	d.adjust(ctx, proxyKey, d.cfg.Step)
}

func (d *Delay) adjust(ctx context.Context, proxyKey string, delta time.Duration) {
	if proxyKey == "" {
		return
	}

	_, err := adjustScript.Run(ctx, d.client, []string{d.key(proxyKey)},
		d.cfg.Default.Microseconds(),
		delta.Microseconds(),
		d.cfg.Floor.Microseconds(),
		d.cfg.Ceiling.Microseconds(),
	).Result()
	if err != nil {
		d.logger.Warn("failed to adjust proxy delay",
			logger.String("proxy", proxyKey),
			logger.Duration("delta", delta),
			logger.Error(err))
	}
}

// Reset restores a proxy to the default delay.
func (d *Delay) Reset(ctx context.Context, proxyKey string) error {
	if proxyKey == "" {
		return nil
	}
	err := d.client.Set(ctx, d.key(proxyKey), d.cfg.Default.Microseconds(), 0).Err()
	if err != nil {
		return fmt.Errorf("failed to reset proxy delay: %w", err)
	}
	return nil
}
