package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"strings"
	"time"

	"clinicq/queue-service/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var publishFailures = expvar.NewInt("realtime_publish_failures")

// LocalBroadcaster delivers events straight to this instance's hub.
type LocalBroadcaster struct {
	hub    *Hub
	logger zerolog.Logger
}

func NewLocalBroadcaster(hub *Hub, logger zerolog.Logger) *LocalBroadcaster {
	return &LocalBroadcaster{hub: hub, logger: logger}
}

func (b *LocalBroadcaster) Publish(ctx context.Context, doctorID string, event models.QueueEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event.Type).Msg("encode queue event")
		return
	}
	b.hub.Deliver(doctorID, payload)
}

type outbound struct {
	channel string
	payload []byte
}

// RedisBroadcaster publishes events on a per-doctor channel so every
// instance running a Relay can deliver them. Publish only enqueues; Run does
// the network I/O.
type RedisBroadcaster struct {
	client  redis.UniversalClient
	prefix  string
	queue   chan outbound
	timeout time.Duration
	logger  zerolog.Logger
}

func NewRedisBroadcaster(client redis.UniversalClient, prefix string, buffer int, logger zerolog.Logger) *RedisBroadcaster {
	if buffer <= 0 {
		buffer = 1024
	}
	return &RedisBroadcaster{
		client:  client,
		prefix:  prefix,
		queue:   make(chan outbound, buffer),
		timeout: 2 * time.Second,
		logger:  logger.With().Str("component", "redis_broadcaster").Logger(),
	}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, doctorID string, event models.QueueEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event.Type).Msg("encode queue event")
		return
	}
	select {
	case b.queue <- outbound{channel: ChannelName(b.prefix, doctorID), payload: payload}:
	default:
		droppedMessages.Add(1)
		b.logger.Warn().Str("doctor_id", doctorID).Str("event", event.Type).Msg("publish queue full, event dropped")
	}
}

// Run drains the publish queue until ctx is done, then flushes what is left.
func (b *RedisBroadcaster) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-b.queue:
			b.send(ctx, msg)
		case <-ctx.Done():
			b.flush()
			return nil
		}
	}
}

func (b *RedisBroadcaster) flush() {
	ctx := context.Background()
	for {
		select {
		case msg := <-b.queue:
			b.send(ctx, msg)
		default:
			return
		}
	}
}

func (b *RedisBroadcaster) send(ctx context.Context, msg outbound) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()
	if err := b.client.Publish(ctx, msg.channel, msg.payload).Err(); err != nil {
		publishFailures.Add(1)
		b.logger.Error().Err(err).Str("channel", msg.channel).Msg("redis publish failed")
	}
}

// Relay feeds events published by any instance into the local hub.
type Relay struct {
	client redis.UniversalClient
	prefix string
	hub    *Hub
	logger zerolog.Logger
}

func NewRelay(client redis.UniversalClient, prefix string, hub *Hub, logger zerolog.Logger) *Relay {
	return &Relay{
		client: client,
		prefix: prefix,
		hub:    hub,
		logger: logger.With().Str("component", "redis_relay").Logger(),
	}
}

func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, ChannelName(r.prefix, "*"))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	r.logger.Info().Str("pattern", ChannelName(r.prefix, "*")).Msg("relay subscribed")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			doctorID, ok := DoctorFromChannel(r.prefix, msg.Channel)
			if !ok {
				continue
			}
			r.hub.Deliver(doctorID, []byte(msg.Payload))
		}
	}
}

func ChannelName(prefix, doctorID string) string {
	return prefix + "doctor:" + doctorID
}

func DoctorFromChannel(prefix, channel string) (string, bool) {
	doctorID, ok := strings.CutPrefix(channel, prefix+"doctor:")
	if !ok || doctorID == "" {
		return "", false
	}
	return doctorID, true
}
