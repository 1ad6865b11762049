package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ferrydev/ferry/internal/events"
)

// StreamEvents serves the full event history followed by live events as
// server-sent `data:` lines. The subscription is taken before the
// journal replay so nothing emitted in between is lost; the seq
// watermark drops the overlap.
// GET /api/v1/events/sessions/:sessionId
func (h *Handler) StreamEvents(c *gin.Context) {
	id := c.Param("sessionId")
	if _, err := h.store.Get(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}

	sub := h.store.Subscribe(id)
	defer sub.Close()
	defer h.logStreamClose(id)

	history, err := h.store.ReadSince(id, 0, nil)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	var lastSeq int64
	for _, ev := range history {
		if !writeSSE(c, ev) {
			return
		}
		lastSeq = ev.Seq
	}
	if flusher != nil {
		flusher.Flush()
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			if !writeSSE(c, ev) {
				return
			}
			lastSeq = ev.Seq
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func writeSSE(c *gin.Context, ev events.Event) bool {
	line, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	if _, err := c.Writer.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := c.Writer.Write(line); err != nil {
		return false
	}
	_, err = c.Writer.Write([]byte("\n\n"))
	return err == nil
}

// logStreamClose exists so disconnects show up at debug level without
// cluttering the handler.
func (h *Handler) logStreamClose(id string) {
	h.logger.Debug("event stream closed", zap.String("session_id", id))
}
