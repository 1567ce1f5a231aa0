package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

const redisPublishTimeout = 2 * time.Second

var errMissingRedisClient = errors.New("realtime: redis client is required")

// RedisBridge publishes events locally and relays them to other API instances through Redis
// pub/sub, one channel per document topic.
type RedisBridge struct {
	client     redis.UniversalClient
	local      *Dispatcher
	prefix     string
	instanceID string
	logger     *zap.Logger
}

type redisEnvelope struct {
	InstanceID string `json:"instance_id"`
	Event      Event  `json:"event"`
}

// RedisBridgeConfig describes the dependencies of a RedisBridge.
type RedisBridgeConfig struct {
	Client        redis.UniversalClient
	Local         *Dispatcher
	ChannelPrefix string
	Logger        *zap.Logger
}

// NewRedisBridge constructs a bridge with a fresh instance identifier.
func NewRedisBridge(cfg RedisBridgeConfig) (*RedisBridge, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	local := cfg.Local
	if local == nil {
		local = NewDispatcher()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		client:     cfg.Client,
		local:      local,
		prefix:     cfg.ChannelPrefix,
		instanceID: xid.New().String(),
		logger:     logger,
	}, nil
}

// Local returns the in-process dispatcher fed by the bridge.
func (b *RedisBridge) Local() *Dispatcher {
	return b.local
}

// Publish delivers the event to local subscribers and forwards it to Redis.
func (b *RedisBridge) Publish(event Event) {
	if event.Topic == "" || event.Type == "" {
		return
	}
	b.local.Publish(event)

	payload, err := encodeEnvelope(b.instanceID, event)
	if err != nil {
		b.logger.Error("realtime envelope encode failed", zap.Error(err), zap.String("topic", event.Topic))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.prefix+event.Topic, payload).Err(); err != nil {
		b.logger.Warn("realtime redis publish failed", zap.Error(err), zap.String("topic", event.Topic))
	}
}

// Run relays events published by other instances until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer pubsub.Close()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			b.relay(message.Channel, message.Payload)
		}
	}
}

func (b *RedisBridge) relay(channel string, payload string) {
	envelope, err := decodeEnvelope(payload)
	if err != nil {
		b.logger.Warn("realtime envelope decode failed", zap.Error(err), zap.String("channel", channel))
		return
	}
	if envelope.InstanceID == b.instanceID {
		return
	}
	if envelope.Event.Topic != strings.TrimPrefix(channel, b.prefix) {
		b.logger.Warn("realtime envelope topic mismatch", zap.String("channel", channel), zap.String("topic", envelope.Event.Topic))
		return
	}
	b.local.Publish(envelope.Event)
}

func encodeEnvelope(instanceID string, event Event) (string, error) {
	encoded, err := json.Marshal(redisEnvelope{InstanceID: instanceID, Event: event})
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeEnvelope(payload string) (redisEnvelope, error) {
	var envelope redisEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return redisEnvelope{}, err
	}
	if envelope.InstanceID == "" || envelope.Event.Topic == "" {
		return redisEnvelope{}, errors.New("realtime: incomplete envelope")
	}
	return envelope, nil
}
