package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/realtime"
	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	notificationBuffer  = 16
	defaultDialTimeout  = 10 * time.Second
	initialReconnect    = 500 * time.Millisecond
	maxReconnect        = 30 * time.Second
	liveReadIdleTimeout = 90 * time.Second
)

// Transport subscribes to the live websocket of a document and reconnects with exponential
// backoff. Every (re)connection is followed by a resync of the document and the roster so
// changes missed while disconnected are not lost.
type Transport struct {
	client *Client
	dialer *websocket.Dialer
	logger *zap.Logger

	newBackOff func() backoff.BackOff
}

var _ collab.Transport = (*Transport)(nil)

// NewTransport returns a Transport sharing the client's base URL and token.
func NewTransport(client *Client) *Transport {
	return &Transport{
		client: client,
		dialer: &websocket.Dialer{HandshakeTimeout: defaultDialTimeout, Proxy: http.ProxyFromEnvironment},
		logger: client.logger,
		newBackOff: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = initialReconnect
			policy.MaxInterval = maxReconnect
			policy.MaxElapsedTime = 0
			return policy
		},
	}
}

// Subscribe starts the connection loop. The channel closes when ctx is done.
func (t *Transport) Subscribe(ctx context.Context, documentID string) (<-chan collab.Notification, error) {
	if documentID == "" {
		return nil, fmt.Errorf("apiclient: document id is required")
	}
	notifications := make(chan collab.Notification, notificationBuffer)
	go t.run(ctx, documentID, notifications)
	return notifications, nil
}

func (t *Transport) run(ctx context.Context, documentID string, notifications chan<- collab.Notification) {
	defer close(notifications)
	policy := t.newBackOff()
	connected := true
	for {
		conn, err := t.dial(ctx, documentID)
		if err == nil {
			policy.Reset()
			connected = true
			if !t.emit(ctx, notifications, collab.Notification{Kind: collab.NotificationConnection, Connected: true}) {
				_ = conn.Close()
				return
			}
			t.resync(ctx, documentID, notifications)
			err = t.read(ctx, conn, notifications)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return
		}
		t.logger.Debug("live stream disconnected", zap.String("document_id", documentID), zap.Error(err))
		if connected {
			connected = false
			if !t.emit(ctx, notifications, collab.Notification{Kind: collab.NotificationConnection, Connected: false}) {
				return
			}
		}

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			return
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (t *Transport) dial(ctx context.Context, documentID string) (*websocket.Conn, error) {
	endpoint := *t.client.baseURL
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	endpoint.Path = endpoint.Path + documentPath(documentID) + "/live"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.client.token)
	conn, response, err := t.dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("apiclient: live handshake status %d: %w", response.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

func (t *Transport) resync(ctx context.Context, documentID string, notifications chan<- collab.Notification) {
	if snapshot, err := t.client.GetDocument(ctx, documentID); err == nil {
		t.emit(ctx, notifications, collab.Notification{Kind: collab.NotificationDocument, Snapshot: snapshot})
	} else {
		t.logger.Debug("document resync failed", zap.String("document_id", documentID), zap.Error(err))
	}
	if users, err := t.client.ListLiveness(ctx, documentID); err == nil {
		t.emit(ctx, notifications, collab.Notification{Kind: collab.NotificationPresence, Users: users})
	} else {
		t.logger.Debug("presence resync failed", zap.String("document_id", documentID), zap.Error(err))
	}
}

func (t *Transport) read(ctx context.Context, conn *websocket.Conn, notifications chan<- collab.Notification) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		if err := conn.SetReadDeadline(time.Now().Add(liveReadIdleTimeout)); err != nil {
			return err
		}
		var event realtime.Event
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}
		notification, ok, err := decodeEvent(event)
		if err != nil {
			t.logger.Warn("live event rejected", zap.String("type", string(event.Type)), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if !t.emit(ctx, notifications, notification) {
			return ctx.Err()
		}
	}
}

func decodeEvent(event realtime.Event) (collab.Notification, bool, error) {
	switch event.Type {
	case realtime.EventDocumentChanged:
		var snapshot documents.Snapshot
		if err := json.Unmarshal(event.Payload, &snapshot); err != nil {
			return collab.Notification{}, false, err
		}
		return collab.Notification{Kind: collab.NotificationDocument, Snapshot: snapshot}, true, nil
	case realtime.EventPresenceChanged:
		var roster presence.Roster
		if err := json.Unmarshal(event.Payload, &roster); err != nil {
			return collab.Notification{}, false, err
		}
		return collab.Notification{Kind: collab.NotificationPresence, Users: roster.Users}, true, nil
	default:
		return collab.Notification{}, false, nil
	}
}

func (t *Transport) emit(ctx context.Context, notifications chan<- collab.Notification, notification collab.Notification) bool {
	select {
	case notifications <- notification:
		return true
	case <-ctx.Done():
		return false
	}
}
