package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Sink delivers events to a consumer. An error means the consumer is gone.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

var (
	_ Sink = FuncSink(nil)
	_ Sink = (ChanSink)(nil)
	_ Sink = (*WriterSink)(nil)
	_ Sink = (*SSESink)(nil)
)

// FuncSink adapts a function.
type FuncSink func(ctx context.Context, ev Event) error

func (f FuncSink) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// ChanSink sends events on a channel, blocking until received or ctx ends.
type ChanSink chan<- Event

func (c ChanSink) Emit(ctx context.Context, ev Event) error {
	select {
	case c <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriterSink writes newline-delimited JSON.
type WriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriterSink writes events to w, one JSON object per line.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{enc: json.NewEncoder(w)}
}

func (s *WriterSink) Emit(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		return fmt.Errorf("stream: write event: %w", err)
	}
	return nil
}

// SSESink streams events as text/event-stream and closes the stream with a
// [DONE] marker after the terminal event.
type SSESink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSESink prepares w for streaming. The headers are written on the first
// event.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("stream: response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &SSESink{w: w, flusher: flusher}, nil
}

func (s *SSESink) Emit(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("stream: encode event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data); err != nil {
		return err
	}
	if ev.Kind.Terminal() {
		if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
			return err
		}
	}
	s.flusher.Flush()
	return nil
}
