// Package events defines the single typed progress channel shared by the
// download and verification phases. One emitter, one consumer; emitters
// never block on a slow listener.
package events

// Kind discriminates ProgressEvent payloads.
type Kind int

const (
	KindLog Kind = iota
	KindStarted
	KindCheckProgress
	KindFileProgress
	KindFileCompleted
	KindOverallProgress
	KindFinished
	KindCancelled
)

// ProgressEvent is the one notification type streamed to observers.
type ProgressEvent struct {
	Kind     Kind
	Filename string

	// KindFileProgress / KindCheckProgress / KindOverallProgress
	Percent   float64
	Completed int
	Total     int

	// KindFileCompleted / KindFinished
	Success   bool
	Message   string
	SuccessN  int
	FailedN   int
	SkippedN  int
}

// Emitter fans ProgressEvents into a channel without ever blocking the
// producing worker: when the consumer lags, events are dropped rather than
// stalling a transfer. A nil Emitter discards everything, so phases can run
// headless.
type Emitter struct {
	ch chan ProgressEvent
}

// NewEmitter returns an emitter with the given buffer depth.
func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Emitter{ch: make(chan ProgressEvent, buffer)}
}

// Events exposes the consumer side.
func (e *Emitter) Events() <-chan ProgressEvent {
	if e == nil {
		return nil
	}
	return e.ch
}

// Emit publishes ev, dropping it if the buffer is full.
func (e *Emitter) Emit(ev ProgressEvent) {
	if e == nil {
		return
	}
	select {
	case e.ch <- ev:
	default:
	}
}

// Log is shorthand for a log-line event.
func (e *Emitter) Log(msg string) {
	e.Emit(ProgressEvent{Kind: KindLog, Message: msg})
}

// Close ends the stream. Emit must not be called afterwards.
func (e *Emitter) Close() {
	if e != nil {
		close(e.ch)
	}
}
