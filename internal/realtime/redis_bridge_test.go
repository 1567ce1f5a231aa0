package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisBridgeRelaysForeignEvents(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	bridge, err := NewRedisBridge(RedisBridgeConfig{Client: client, ChannelPrefix: "elytra:documents:"})
	require.NoError(t, err)

	stream, cleanup := bridge.Local().Subscribe(context.Background(), "doc-1")
	defer cleanup()

	foreign, err := encodeEnvelope("other-instance", Event{Topic: "doc-1", Type: EventDocumentChanged, Timestamp: time.Unix(1700000000, 0).UTC()})
	require.NoError(t, err)
	bridge.relay("elytra:documents:doc-1", foreign)

	select {
	case event := <-stream:
		assert.Equal(t, EventDocumentChanged, event.Type)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected relayed event")
	}
}

func TestRedisBridgeSkipsOwnAndMismatchedEvents(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	bridge, err := NewRedisBridge(RedisBridgeConfig{Client: client, ChannelPrefix: "elytra:documents:"})
	require.NoError(t, err)

	stream, cleanup := bridge.Local().Subscribe(context.Background(), "doc-1")
	defer cleanup()

	own, err := encodeEnvelope(bridge.instanceID, Event{Topic: "doc-1", Type: EventDocumentChanged})
	require.NoError(t, err)
	bridge.relay("elytra:documents:doc-1", own)

	mismatched, err := encodeEnvelope("other-instance", Event{Topic: "doc-2", Type: EventDocumentChanged})
	require.NoError(t, err)
	bridge.relay("elytra:documents:doc-1", mismatched)

	bridge.relay("elytra:documents:doc-1", "not-json")

	select {
	case event := <-stream:
		t.Fatalf("unexpected event %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewRedisBridgeRequiresClient(t *testing.T) {
	_, err := NewRedisBridge(RedisBridgeConfig{})
	require.ErrorIs(t, err, errMissingRedisClient)
}
