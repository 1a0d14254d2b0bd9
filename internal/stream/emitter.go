package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FranksOps/echo/internal/social"
)

// ErrTerminated is returned for emits after the terminal event.
var ErrTerminated = errors.New("stream: already terminated")

// Emitter stamps and forwards the events of one query. It is safe for
// concurrent use and guarantees at most one terminal event.
type Emitter struct {
	mu          sync.Mutex
	sink        Sink
	queryID     string
	seq         int
	done        bool
	sinkErr     error
	onSinkError func(error)
	now         func() time.Time
}

// NewEmitter wraps sink for the query identified by queryID. An empty
// queryID gets a fresh UUID.
func NewEmitter(sink Sink, queryID string) *Emitter {
	if queryID == "" {
		queryID = uuid.NewString()
	}
	return &Emitter{sink: sink, queryID: queryID, now: time.Now}
}

// QueryID returns the query identifier stamped on every event.
func (e *Emitter) QueryID() string { return e.queryID }

// OnSinkError registers fn to run once, on the first sink failure.
func (e *Emitter) OnSinkError(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSinkError = fn
}

// Terminated reports whether a terminal event has been emitted.
func (e *Emitter) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Emit sends one event. Events are serialised so Seq is strictly increasing
// in delivery order.
func (e *Emitter) Emit(ctx context.Context, kind Kind, data any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return ErrTerminated
	}
	if kind.Terminal() {
		e.done = true
	}
	e.seq++
	ev := Event{
		ID:      uuid.NewString(),
		QueryID: e.queryID,
		Seq:     e.seq,
		Kind:    kind,
		Time:    e.now().UTC(),
		Data:    data,
	}
	if e.sinkErr != nil {
		return e.sinkErr
	}
	if err := e.sink.Emit(ctx, ev); err != nil {
		e.sinkErr = err
		if e.onSinkError != nil {
			e.onSinkError(err)
		}
		return err
	}
	return nil
}

// Progress emits a status update.
func (e *Emitter) Progress(ctx context.Context, stage, message string) error {
	return e.Emit(ctx, KindProgress, Progress{Stage: stage, Message: message})
}

// IntentResolved emits the resolved intent.
func (e *Emitter) IntentResolved(ctx context.Context, q social.QueryIntent) error {
	return e.Emit(ctx, KindIntentResolved, NewIntentResolved(q))
}

// SourceResults emits one source outcome.
func (e *Emitter) SourceResults(ctx context.Context, r SourceResults) error {
	return e.Emit(ctx, KindSourceResults, r)
}

// FinalResults emits the ranked posts.
func (e *Emitter) FinalResults(ctx context.Context, r FinalResults) error {
	return e.Emit(ctx, KindFinalResults, r)
}

// Fail emits the terminal error event.
func (e *Emitter) Fail(ctx context.Context, kind ErrorKind, message string, recoverable bool) error {
	return e.Emit(ctx, KindError, Error{Kind: kind, Message: message, Recoverable: recoverable})
}

// Complete emits the terminal success event.
func (e *Emitter) Complete(ctx context.Context, c Complete) error {
	return e.Emit(ctx, KindComplete, c)
}
