package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nixbuild/typhon/internal/eventbus"
	"github.com/nixbuild/typhon/internal/logger"
)

// EventHandler proxies eventbus.Bus.Listen onto an SSE response: every
// lifecycle transition (EvaluationFinished, JobUpdated, ...) is
// forwarded verbatim, with no filtering or per-client subscription
// state, matching the spec's "single-writer, many readers" model.
type EventHandler struct {
	log *logger.Logger
	bus *eventbus.Bus
}

func NewEventHandler(baseLog *logger.Logger, bus *eventbus.Bus) *EventHandler {
	return &EventHandler{log: baseLog.With("handler", "EventHandler"), bus: bus}
}

func (h *EventHandler) Stream(c *gin.Context) {
	events, cancel := h.bus.Listen()
	defer cancel()

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			raw, err := json.Marshal(evt)
			if err != nil {
				h.log.Warn("failed to marshal event for stream", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, raw)
			flusher.Flush()
		}
	}
}
