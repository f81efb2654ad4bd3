package operation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State of an operation.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// WorkFunc is the body of an operation. It should return promptly once
// ctx is cancelled.
type WorkFunc func(ctx context.Context, op *Operation) (any, error)

// Info is a point-in-time view of an operation.
type Info struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
	Result     any       `json:"result,omitempty"`
}

// Operation is a handle to a named unit of work.
type Operation struct {
	ID     string
	Name   string
	Logger *slog.Logger

	opts   options
	done   chan struct{}
	cancel context.CancelFunc

	mu              sync.Mutex
	state           State
	startedAt       time.Time
	finishedAt      time.Time
	result          any
	err             error
	data            map[string]any
	cancelRequested bool
}

// State returns the current state.
func (op *Operation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Result returns the value produced by the work function.
func (op *Operation) Result() any {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

// Err returns the final error, nil unless failed or cancelled.
func (op *Operation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// Done is closed when the operation reaches a terminal state.
func (op *Operation) Done() <-chan struct{} {
	return op.done
}

// Wait blocks until the operation finishes or ctx ends.
func (op *Operation) Wait(ctx context.Context) error {
	select {
	case <-op.done:
		return op.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Set stores a transient value, typically a resource Cancel must reach.
func (op *Operation) Set(key string, v any) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.data == nil {
		op.data = map[string]any{}
	}
	op.data[key] = v
}

// Get returns a value stored with Set.
func (op *Operation) Get(key string) (any, bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	v, ok := op.data[key]
	return v, ok
}

// Cancel requests cancellation: the work context is cancelled and the
// OnCancel callback runs. The operation ends as cancelled once its work
// returns. Cancelling a finished operation is a no-op.
func (op *Operation) Cancel() {
	op.mu.Lock()
	if op.state.Terminal() || op.cancelRequested {
		op.mu.Unlock()
		return
	}
	op.cancelRequested = true
	onCancel := op.opts.onCancel
	op.mu.Unlock()

	op.Logger.Info("cancelling operation")
	op.cancel()

	if onCancel != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					op.Logger.Error("cancel callback panicked", "panic", r)
				}
			}()
			onCancel(op)
		}()
	}
}

// Snapshot returns the current Info.
func (op *Operation) Snapshot() Info {
	op.mu.Lock()
	defer op.mu.Unlock()
	info := Info{
		ID:         op.ID,
		Name:       op.Name,
		State:      op.state,
		StartedAt:  op.startedAt,
		FinishedAt: op.finishedAt,
		Result:     op.result,
	}
	if op.err != nil {
		info.Error = op.err.Error()
	}
	return info
}

type options struct {
	exclusive bool
	async     bool
	notify    bool
	onCancel  func(*Operation)
}

// Option configures Engine.Run.
type Option func(*options)

// Exclusive rejects the run while another operation with the same name
// is pending or running.
func Exclusive() Option {
	return func(o *options) { o.exclusive = true }
}

// Async returns the handle immediately and runs the work on the pool.
func Async() Option {
	return func(o *options) { o.async = true }
}

// Notify reports the outcome through the engine's Reporter.
func Notify() Option {
	return func(o *options) { o.notify = true }
}

// OnCancel registers a callback run by Cancel.
func OnCancel(fn func(*Operation)) Option {
	return func(o *options) { o.onCancel = fn }
}
