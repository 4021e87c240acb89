// Package stream adapts bus subscribers onto transport connections:
// server-sent events and websockets.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/weftlabs/weft/engine/bus"
)

// DefaultKeepAlive matches the engine's keep-alive default
const DefaultKeepAlive = 30 * time.Second

// SSEOptions tunes an SSE connection
type SSEOptions struct {
	// KeepAliveInterval is how often a comment ping goes out on an idle
	// stream. Zero means DefaultKeepAlive.
	KeepAliveInterval time.Duration
}

// ServeSSE drains a subscriber into an HTTP response until the stream
// closes or the client goes away. The subscriber is always closed on
// return, so a dropped connection releases its bus slot.
//
// Wire format: "event: <type>\ndata: <json>\n\n", comments as
// ": <text>\n\n". Keepalive comments are suppressed once the stream ends.
func ServeSSE(w http.ResponseWriter, r *http.Request, sub *bus.Subscriber, opts SSEOptions) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return fmt.Errorf("response writer does not support flushing")
	}

	interval := opts.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAlive
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	defer sub.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case frame, ok := <-sub.Frames():
			if !ok {
				return nil
			}
			if err := WriteFrame(w, frame); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// WriteFrame encodes one frame in SSE wire format
func WriteFrame(w io.Writer, f bus.Frame) error {
	if f.Comment != "" {
		_, err := fmt.Fprintf(w, ": %s\n\n", f.Comment)
		return err
	}
	data, err := json.Marshal(f.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event, data)
	return err
}
