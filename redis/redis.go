// Package redis lets several relay instances share topics. Every local
// publish is mirrored to a Redis channel and publishes from other instances
// are handed back to the local hub.
package redis

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const channelPrefix = "relay:"

// Bridge implements relay.Bridge over Redis pub/sub.
type Bridge struct {
	client     *redis.Client
	instanceID string
	logger     zerolog.Logger
}

type bridgeMessage struct {
	Origin string `json:"origin"`
	Data   []byte `json:"data"`
}

// NewBridge connects to Redis. It returns nil when Redis is not reachable so
// the relay keeps running as a single instance.
func NewBridge(ctx context.Context, address string, logger zerolog.Logger) *Bridge {
	client := redis.NewClient(&redis.Options{
		Addr: address,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		logger.Warn().Err(err).Msg("Redis not available. Running without Redis.")
		client.Close()
		return nil
	}

	b := &Bridge{
		client:     client,
		instanceID: uuid.NewString(),
		logger:     logger,
	}
	logger.Info().Str("instance", b.instanceID).Msg("Redis connected successfully.")
	return b
}

func (b *Bridge) InstanceID() string {
	return b.instanceID
}

func (b *Bridge) Publish(ctx context.Context, topic string, data []byte) error {
	payload, err := json.Marshal(bridgeMessage{Origin: b.instanceID, Data: data})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channelPrefix+topic, payload).Err()
}

// Run delivers messages published by other instances until ctx ends.
func (b *Bridge) Run(ctx context.Context, deliver func(topic string, data []byte)) error {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	// wait for the subscription to be active before reporting ready
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m bridgeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.logger.Debug().Err(err).Msg("Ignoring malformed bridge message")
				continue
			}
			if m.Origin == b.instanceID {
				continue
			}
			deliver(strings.TrimPrefix(msg.Channel, channelPrefix), m.Data)
		}
	}
}

func (b *Bridge) Close() error {
	return b.client.Close()
}
