/*
 * Aussie
 * Copyright (C) 2024  Aussieco, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package revocation

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/aussieco/aussie"
	"github.com/aussieco/aussie/lib/utils"
	logutils "github.com/aussieco/aussie/lib/utils/log"
)

// DefaultChannel is the redis pub/sub channel revocation events ride
// on.
const DefaultChannel = "revocations:events"

// RedisBusConfig configures the redis revocation bus.
type RedisBusConfig struct {
	// Client is the redis connection.
	Client redis.UniversalClient
	// Channel overrides the pub/sub channel name.
	Channel string
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RedisBusConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentBus)
	}
	return nil
}

// RedisBus fans revocation events out across gateway instances over
// redis pub/sub. Pub/sub delivery is fire and forget: an instance that
// is down or mid reconnect misses events, the periodic bloom filter
// rebuild repairs that.
type RedisBus struct {
	cfg    RedisBusConfig
	logger *slog.Logger
	local  *LocalBus
}

// NewRedisBus creates a redis revocation bus. Events are only delivered
// to subscribers while Run is active.
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &RedisBus{
		cfg:    cfg,
		logger: cfg.Logger,
		local:  NewLocalBus(),
	}, nil
}

// Publish broadcasts the event over redis, see Bus. The publishing
// instance receives its own events back through the subscription like
// everybody else.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	if err := event.Check(); err != nil {
		return trace.Wrap(err)
	}
	payload, err := utils.FastMarshal(event)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := b.cfg.Client.Publish(ctx, b.cfg.Channel, payload).Err(); err != nil {
		return trace.ConnectionProblem(err, "publishing revocation event")
	}
	return nil
}

// Subscribe registers a handler, see Bus.
func (b *RedisBus) Subscribe(handler Handler) func() {
	return b.local.Subscribe(handler)
}

// Run receives events from redis and dispatches them to subscribers
// until the context is canceled. The pub/sub connection resubscribes on
// its own after a reconnect, events published in between are lost.
func (b *RedisBus) Run(ctx context.Context) error {
	pubsub := b.cfg.Client.Subscribe(ctx, b.cfg.Channel)
	defer pubsub.Close()
	messages := pubsub.Channel()
	b.logger.InfoContext(ctx, "Listening for revocation events.", "channel", b.cfg.Channel)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event Event
			if err := utils.FastUnmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.WarnContext(ctx, "Dropping malformed revocation event.", "error", err)
				continue
			}
			if err := event.Check(); err != nil {
				b.logger.WarnContext(ctx, "Dropping malformed revocation event.", "error", err)
				continue
			}
			if err := b.local.Publish(ctx, event); err != nil {
				b.logger.WarnContext(ctx, "Failed to dispatch revocation event.", "error", err)
			}
		}
	}
}
