package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// DoneSentinel terminates an SSE stream.
const DoneSentinel = "[DONE]"

// SSEWriter encodes events as server-sent events.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares w for streaming. It fails when w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent writes one `data: {json}` frame and flushes it.
func (s *SSEWriter) WriteEvent(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return s.writeData(data)
}

// WriteDone writes the terminating sentinel.
func (s *SSEWriter) WriteDone() error {
	return s.writeData([]byte(DoneSentinel))
}

func (s *SSEWriter) writeData(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Drain writes every event from events until it is closed, then the done
// sentinel. It stops early when ctx is done or a write fails.
func (s *SSEWriter) Drain(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return s.WriteDone()
			}
			if err := s.WriteEvent(ev); err != nil {
				return err
			}
		}
	}
}
