// Package relay republishes telemetry envelopes to a Redis pub/sub channel so
// observers outside this process can follow runs.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ch0002ic/balanced-corridor-planner/internal/hub"
)

const defaultChannel = "simulation.events"

// Relay forwards hub envelopes to Redis.
type Relay struct {
	client     *goredis.Client
	channel    string
	addr       string
	bufferSize int
	logger     zerolog.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithChannel sets the Redis channel envelopes are published to.
func WithChannel(channel string) Option {
	return func(r *Relay) {
		if strings.TrimSpace(channel) != "" {
			r.channel = strings.TrimSpace(channel)
		}
	}
}

// WithClient uses an existing client instead of dialing addr.
func WithClient(client *goredis.Client) Option {
	return func(r *Relay) {
		if client != nil {
			r.client = client
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithBufferSize sets the hub subscription buffer of the relay.
func WithBufferSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// New connects to addr and verifies the connection.
func New(ctx context.Context, addr string, opts ...Option) (*Relay, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	r := &Relay{
		channel:    defaultChannel,
		addr:       addr,
		bufferSize: hub.DefaultBufferSize,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = goredis.NewClient(&goredis.Options{Addr: r.addr})
	}
	r.logger = r.logger.With().Str("component", "relay").Str("channel", r.channel).Logger()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return r, nil
}

// Channel returns the pub/sub channel name.
func (r *Relay) Channel() string {
	return r.channel
}

// Run forwards envelopes from h until ctx is done. If the hub evicts the
// relay for falling behind it subscribes again.
func (r *Relay) Run(ctx context.Context, h *hub.Hub) {
	for ctx.Err() == nil {
		sub := h.Subscribe(r.bufferSize)
		r.forward(ctx, sub)
		sub.Unsubscribe()
		if ctx.Err() == nil {
			r.logger.Warn().Msg("relay subscription dropped, resubscribing")
		}
	}
}

func (r *Relay) forward(ctx context.Context, sub *hub.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			payload, err := json.Marshal(env)
			if err != nil {
				r.logger.Error().Err(err).Msg("failed to marshal envelope")
				continue
			}
			if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Str("type", env.Type).Msg("failed to publish envelope")
			}
		}
	}
}

// Close closes the Redis client.
func (r *Relay) Close() error {
	return r.client.Close()
}
