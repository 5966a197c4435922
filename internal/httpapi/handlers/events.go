package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ChatEvents is an SSE stream telling the client to refetch its chat list.
func (h *Handler) ChatEvents(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}

	updates, cancel := h.ChatSvc.WatchChats(id.UserID)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	fmt.Fprint(c.Writer, ": subscribed\n\n")
	c.Writer.Flush()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-updates:
			fmt.Fprint(c.Writer, "event: chats_updated\ndata: {}\n\n")
			c.Writer.Flush()
		case t := <-ticker.C:
			fmt.Fprintf(c.Writer, "event: ping\ndata: {\"ts\":%d}\n\n", t.Unix())
			c.Writer.Flush()
		case <-ctx.Done():
			return
		}
	}
}
