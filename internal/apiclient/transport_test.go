package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/blocks"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/realtime"
	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextNotification(t *testing.T, notifications <-chan collab.Notification, kind collab.NotificationKind) collab.Notification {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case notification, ok := <-notifications:
			require.True(t, ok, "notification channel closed")
			if notification.Kind == kind {
				return notification
			}
		case <-timeout:
			t.Fatalf("timed out waiting for notification kind %d", kind)
		}
	}
}

func TestTransportResyncsAndStreamsChanges(t *testing.T) {
	api := newAPIServer(t, 40)
	client := api.client(t, "user-1", "Ada")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	document, err := client.CreateDocument(ctx, "Live", nil)
	require.NoError(t, err)

	notifications, err := NewTransport(client).Subscribe(ctx, document.DocumentID)
	require.NoError(t, err)

	connected := nextNotification(t, notifications, collab.NotificationConnection)
	assert.True(t, connected.Connected)
	resynced := nextNotification(t, notifications, collab.NotificationDocument)
	assert.Equal(t, int64(1), resynced.Snapshot.Version)
	nextNotification(t, notifications, collab.NotificationPresence)

	require.Eventually(t, func() bool {
		return api.dispatcher.SubscriberCount(document.DocumentID) == 1
	}, 5*time.Second, 5*time.Millisecond)

	_, err = client.UpdateDocument(ctx, document.DocumentID, "[]")
	require.NoError(t, err)
	pushed := nextNotification(t, notifications, collab.NotificationDocument)
	assert.Equal(t, int64(2), pushed.Snapshot.Version)

	_, err = client.UpsertLiveness(ctx, document.DocumentID, collab.Profile{DisplayName: "Ada"}, nil)
	require.NoError(t, err)
	roster := nextNotification(t, notifications, collab.NotificationPresence)
	require.Len(t, roster.Users, 1)
	assert.Equal(t, "user-1", roster.Users[0].UserID)

	cancel()
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-notifications:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 5*time.Millisecond)
}

// flakyLiveServer drops the first live connection right after the handshake.
func flakyLiveServer(t *testing.T) *httptest.Server {
	t.Helper()
	var connections atomic.Int32
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/documents/doc-1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"document_id":"doc-1","title":"Flaky","version":3}`))
	})
	mux.HandleFunc("/documents/doc-1/presence", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"users":[]}`))
	})
	mux.HandleFunc("/documents/doc-1/live", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if connections.Add(1) == 1 {
			return
		}
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestTransportReportsDisconnectAndReconnects(t *testing.T) {
	server := flakyLiveServer(t)
	client, err := New(Config{BaseURL: server.URL, Token: "token"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := NewTransport(client)
	transport.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(20 * time.Millisecond) }
	notifications, err := transport.Subscribe(ctx, "doc-1")
	require.NoError(t, err)

	assert.True(t, nextNotification(t, notifications, collab.NotificationConnection).Connected)
	assert.Equal(t, int64(3), nextNotification(t, notifications, collab.NotificationDocument).Snapshot.Version)
	assert.False(t, nextNotification(t, notifications, collab.NotificationConnection).Connected)
	assert.True(t, nextNotification(t, notifications, collab.NotificationConnection).Connected)
	assert.Equal(t, int64(3), nextNotification(t, notifications, collab.NotificationDocument).Snapshot.Version,
		"a reconnect resyncs the document")
}

func TestDecodeEventIgnoresHeartbeats(t *testing.T) {
	_, ok, err := decodeEvent(realtime.Event{Topic: "doc", Type: realtime.EventHeartbeat})
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = decodeEvent(realtime.Event{Topic: "doc", Type: realtime.EventDocumentChanged, Payload: []byte("{")})
	assert.Error(t, err)
}

func TestSessionsConvergeThroughTheAPI(t *testing.T) {
	api := newAPIServer(t, 40)
	ada := api.client(t, "user-1", "Ada")
	bob := api.client(t, "user-2", "Bob")
	ctx := context.Background()
	document, err := ada.CreateDocument(ctx, "Together", nil)
	require.NoError(t, err)

	timing := collab.Timing{
		HeartbeatInterval:   time.Second,
		StalenessThreshold:  time.Minute,
		CursorFlushInterval: 10 * time.Millisecond,
		PollInterval:        200 * time.Millisecond,
		DebounceInterval:    20 * time.Millisecond,
		EchoCooldown:        20 * time.Millisecond,
		RemoteSettleDelay:   10 * time.Millisecond,
		CloseTimeout:        2 * time.Second,
	}
	open := func(client *Client, profile collab.Profile) (*collab.Session, *blocks.Editor) {
		editor, err := blocks.NewEditor("")
		require.NoError(t, err)
		session, err := collab.Open(ctx, collab.Config{
			DocumentID: document.DocumentID,
			Profile:    profile,
			Store:      client,
			Transport:  NewTransport(client),
			Editor:     editor,
			Timing:     timing,
		})
		require.NoError(t, err)
		editor.OnChange(session.NotifyChange)
		t.Cleanup(func() { _ = session.Close(context.Background()) })
		return session, editor
	}
	adaSession, adaEditor := open(ada, collab.Profile{UserID: "user-1", DisplayName: "Ada"})
	bobSession, bobEditor := open(bob, collab.Profile{UserID: "user-2", DisplayName: "Bob"})

	require.Eventually(t, func() bool {
		return len(adaSession.ActiveUsers()) == 2 && len(bobSession.ActiveUsers()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	adaEditor.Append(blocks.NewParagraph("hello from ada"))
	expected, err := adaEditor.Serialize()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		content, err := bobEditor.Serialize()
		return err == nil && content == expected
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, adaSession.Close(ctx))
	require.Eventually(t, func() bool {
		users := bobSession.ActiveUsers()
		return len(users) == 1 && users[0].UserID == "user-2"
	}, 5*time.Second, 10*time.Millisecond)
}
