package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"lsh.app/jobd/internal/model"
)

const defaultKeepAlive = 25 * time.Second

// SubscribeFunc returns a channel of job events and a function that ends
// the subscription.
type SubscribeFunc func(buffer int) (<-chan model.JobEvent, func())

type EventsHandler struct {
	subscribe SubscribeFunc
	keepAlive time.Duration
}

func NewEventsHandler(subscribe SubscribeFunc) *EventsHandler {
	return &EventsHandler{subscribe: subscribe, keepAlive: defaultKeepAlive}
}

// WithKeepAlive sets how often an idle stream sends a ping.
func (h *EventsHandler) WithKeepAlive(d time.Duration) *EventsHandler {
	if d > 0 {
		h.keepAlive = d
	}
	return h
}

// Stream sends job events as server-sent events until the client goes away
// or the daemon stops. ?job_id= narrows the stream to one job.
func (h *EventsHandler) Stream(c *gin.Context) {
	if h.subscribe == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream not configured"})
		return
	}
	jobID := c.Query("job_id")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	events, unsubscribe := h.subscribe(0)
	defer unsubscribe()

	setSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	sseWrite(c.Writer, "ping", "ready")
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	clientClosed := c.Request.Context().Done()
	for {
		select {
		case <-clientClosed:
			return
		case <-ticker.C:
			sseWrite(c.Writer, "ping", time.Now().UTC().Format(time.RFC3339Nano))
			flusher.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			if jobID != "" && e.JobID != jobID {
				continue
			}
			sseWrite(c.Writer, string(e.Type), e)
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
}

func sseWrite(w http.ResponseWriter, event string, data any) {
	payload := marshalPayload(data)
	if event != "" {
		_, _ = fmt.Fprintf(w, "event: %s\n", event)
	}
	for _, line := range strings.Split(payload, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
}

func marshalPayload(data any) string {
	switch payload := data.(type) {
	case string:
		return payload
	case []byte:
		return string(payload)
	default:
		bytes, err := json.Marshal(payload)
		if err != nil {
			return fmt.Sprintf("%v", data)
		}
		return string(bytes)
	}
}
