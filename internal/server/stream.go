package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/madankalyan2211/aarambh-lms/internal/notify"
	"github.com/madankalyan2211/aarambh-lms/internal/realtime"
)

const heartbeatInterval = 25 * time.Second

// handleEventStream upgrades the request to a server-sent-event stream. The
// subscriber is registered with the presence registry for the lifetime of the
// connection, and any unread-notification backlog is pushed immediately so a
// reconnecting client never misses its badge count.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	subscriber, unsubscribe := h.hub.Subscribe(c.Request.Context(), userID)
	defer unsubscribe()
	h.presence.Connect(userID, subscriber)
	defer h.presence.Disconnect(userID, subscriber)

	if count, err := h.notifications.UnreadCount(c.Request.Context(), userID); err == nil {
		payload := notify.UnreadCountPayload{RecipientID: userID, Unread: count}
		if err := writeServerSentEvent(c.Writer, realtime.EventUnreadCount, payload); err != nil {
			return
		}
		flusher.Flush()
	} else {
		h.logger.Warn("unread backlog lookup failed", zap.String("user_id", userID), zap.Error(err))
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case message, open := <-subscriber.Stream():
			if !open {
				return
			}
			if err := writeServerSentEvent(c.Writer, message.Event, message.Payload); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeServerSentEvent(writer io.Writer, event string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(writer, "event: %s\ndata: %s\n\n", event, encoded)
	return err
}
