package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

const (
	liveHeartbeatInterval = 25 * time.Second
	liveWriteTimeout      = 10 * time.Second
	liveReadLimit         = 4096
)

// Subscriber hands out per-document event streams.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan realtime.Event, func())
}

var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleLiveStream upgrades to a websocket and forwards every document and presence event
// of the document. Clients only listen; writes go through the REST routes.
func (h *httpHandler) handleLiveStream(c *gin.Context) {
	documentID := strings.TrimSpace(c.Param("id"))
	if documentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	profile, _ := currentProfile(c)

	conn, err := liveUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("live stream upgrade failed", zap.String("document_id", documentID), zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(
		zap.String("connection_id", xid.New().String()),
		zap.String("document_id", documentID),
		zap.String("user_id", profile.UserID),
	)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	events, unsubscribe := h.realtime.Subscribe(ctx, documentID)
	defer unsubscribe()

	go discardIncoming(conn, cancel)

	heartbeat := time.NewTicker(liveHeartbeatInterval)
	defer heartbeat.Stop()

	logger.Debug("live stream opened")
	defer logger.Debug("live stream closed")
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription ended"),
					time.Now().Add(liveWriteTimeout))
				return
			}
			if err := writeEvent(conn, event); err != nil {
				logger.Debug("live stream write failed", zap.Error(err))
				return
			}
		case tick := <-heartbeat.C:
			if err := writeEvent(conn, realtime.Event{Topic: documentID, Type: realtime.EventHeartbeat, Timestamp: tick.UTC()}); err != nil {
				logger.Debug("live stream heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, event realtime.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}

// discardIncoming drains client frames so control messages are processed, and cancels the
// stream once the peer goes away.
func discardIncoming(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(liveReadLimit)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
