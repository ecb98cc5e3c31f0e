package server

import (
	"io"
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/loykin/backupd/internal/metrics"
	"github.com/loykin/backupd/internal/stream"
)

// SSE event names. Stdout lines use the default message event.
const (
	eventErr = "err"
	eventEnd = "end"
)

func toSSE(ev stream.Event) sse.Event {
	switch ev.Type {
	case stream.Err:
		return sse.Event{Event: eventErr, Data: ev.Data}
	case stream.End:
		return sse.Event{Event: eventEnd, Data: ev.Data}
	default:
		return sse.Event{Data: ev.Data}
	}
}

// handleStream relays a job's output until the end event or until the
// client goes away. Disconnecting only detaches this observer.
func (r *Router) handleStream(c *gin.Context) {
	sub := r.svc.Subscribe(c.Param("jobId"))
	defer sub.Close()
	metrics.SubscriberAttached()
	defer metrics.SubscriberDetached()

	h := c.Writer.Header()
	h.Set("Content-Type", sse.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if err != io.EOF {
				r.logger.Debug("stream observer left", "job", c.Param("jobId"), "error", err)
			}
			return
		}
		if err := sse.Encode(c.Writer, toSSE(ev)); err != nil {
			return
		}
		c.Writer.Flush()
	}
}
