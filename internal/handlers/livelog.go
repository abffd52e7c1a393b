package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nixbuild/typhon/internal/buildstore"
	"github.com/nixbuild/typhon/internal/livelog"
	"github.com/nixbuild/typhon/internal/logger"
)

// LiveLogHandler proxies a LiveLogCache.Listen call straight onto an SSE
// response: no request routing or business logic, per the spec's "thin
// pass-through" scoping of the HTTP surface. It serves the begin and end
// phase caches by job id and the shared build cache by derivation path.
type LiveLogHandler struct {
	log   *logger.Logger
	begin *livelog.Cache[int64]
	build *buildstore.Store
	end   *livelog.Cache[int64]
}

func NewLiveLogHandler(baseLog *logger.Logger, begin *livelog.Cache[int64], build *buildstore.Store, end *livelog.Cache[int64]) *LiveLogHandler {
	return &LiveLogHandler{
		log:   baseLog.With("handler", "LiveLogHandler"),
		begin: begin,
		build: build,
		end:   end,
	}
}

// Stream serves GET /api/jobs/:id/log/:phase where phase is begin, build, or
// end. For phase=build, :id is interpreted as the job's derivation path
// rather than its row id, matching buildstore's own keying.
func (h *LiveLogHandler) Stream(c *gin.Context) {
	phase := c.Param("phase")

	var lines <-chan string
	var cancel func()
	var ok bool

	switch phase {
	case "begin", "end":
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		cache := h.begin
		if phase == "end" {
			cache = h.end
		}
		lines, cancel, ok = cache.Listen(id)
	case "build":
		drv := c.Param("id")
		lines, cancel, ok = h.build.Listen(drv)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown phase"})
		return
	}

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no live log for this id"})
		return
	}
	defer cancel()

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, okFlush := w.(http.Flusher)
	if !okFlush {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case line, open := <-lines:
			if !open {
				fmt.Fprint(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", strings.ReplaceAll(line, "\n", "\\n"))
			flusher.Flush()
		}
	}
}
