// Package eventstream fans the internal events.Emitter out to external
// observers: a Redis Pub/Sub channel for live subscribers (the out-of-scope
// admin/status surface and web UI, spec §1 non-goals) and a Kafka topic as a
// durable audit trail.
//
// Grounded on cmd/order-service/main.go's redis.ParseURL + ping-on-boot
// wiring, upgraded to go-redis/v9 per the domain-stack dependency table.
package eventstream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/events"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/infrastructure/logging"
)

// RedisPublisher forwards every emitted event onto a single Redis Pub/Sub
// channel as a JSON envelope, so an external process can subscribe without
// coupling to this core's in-process Emitter.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *logging.Logger
}

// NewRedisPublisher connects to a Redis instance, pinging it once to fail
// fast on a bad URL (matching the teacher's boot-time ping).
func NewRedisPublisher(ctx context.Context, url, channel string, logger *logging.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}

	return &RedisPublisher{client: client, channel: channel, logger: logger.Named("eventstream.redis")}, nil
}

type envelope struct {
	Name      string    `json:"name"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Run subscribes to every event name in the Emitter and publishes them to
// Redis until ctx is canceled.
func (p *RedisPublisher) Run(ctx context.Context, emitter *events.Emitter, names []string) {
	for _, name := range names {
		ch, cancel := emitter.Subscribe(name)
		go p.forward(ctx, ch, cancel)
	}
}

func (p *RedisPublisher) forward(ctx context.Context, ch <-chan events.Event, cancel func()) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(envelope{Name: evt.Name, Data: evt.Data, Timestamp: evt.Timestamp})
			if err != nil {
				p.logger.Warn("failed to marshal event for redis publish", zap.String("event", evt.Name), zap.Error(err))
				continue
			}
			if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
				p.logger.Warn("redis publish failed", zap.String("event", evt.Name), zap.Error(err))
			}
		}
	}
}

// Close releases the underlying Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
