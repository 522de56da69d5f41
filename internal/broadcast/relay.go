package broadcast

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultRelayChannel is the Redis pub/sub channel used when none is set.
const DefaultRelayChannel = "support:events"

// envelope is the wire form of a relayed event.
type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisRelay mirrors events between hubs running in different processes.
// Local events are published to Redis; events from other instances are
// injected into the local hub, where they get local sequence numbers.
type RedisRelay struct {
	Client  *redis.Client
	Channel string
	Hub     *Hub

	origin string
	out    chan []byte

	// publish is swapped in tests.
	publish func(ctx context.Context, payload []byte) error
}

// NewRedisRelay wires a relay to hub. Call Run to start it.
func NewRedisRelay(client *redis.Client, channel string, hub *Hub) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	r := &RedisRelay{
		Client:  client,
		Channel: channel,
		Hub:     hub,
		origin:  uuid.NewString(),
		out:     make(chan []byte, 1024),
	}
	r.publish = func(ctx context.Context, payload []byte) error {
		return r.Client.Publish(ctx, r.Channel, payload).Err()
	}
	hub.Tap(r.enqueue)
	return r
}

// Origin identifies this instance on the relay channel.
func (r *RedisRelay) Origin() string { return r.origin }

// enqueue runs under the hub lock, so it only hands off.
func (r *RedisRelay) enqueue(ev Event) {
	b, err := json.Marshal(envelope{Origin: r.origin, Event: ev})
	if err != nil {
		return
	}
	select {
	case r.out <- b:
	default:
		eventsDropped.WithLabelValues("relay").Inc()
	}
}

// Run publishes local events and consumes remote ones until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.Client.Subscribe(ctx, r.Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	in := sub.Channel()

	log.Info().Str("channel", r.Channel).Str("origin", r.origin).Msg("redis relay started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-r.out:
			if err := r.publish(ctx, b); err != nil {
				log.Warn().Err(err).Msg("redis relay publish")
			}
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			r.handle([]byte(msg.Payload))
		}
	}
}

// handle injects a remote event; our own echoes are ignored.
func (r *RedisRelay) handle(payload []byte) bool {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warn().Err(err).Msg("redis relay: bad payload")
		return false
	}
	if env.Origin == r.origin || env.Event.Channel == "" {
		return false
	}
	r.Hub.Inject(env.Event.Channel, env.Event)
	return true
}
