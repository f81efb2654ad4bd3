package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/qudata/fleet-agent/internal/domain"
	"github.com/qudata/fleet-agent/internal/metrics"
)

// historySize bounds how many finished operations stay queryable.
const historySize = 256

// Reporter publishes the outcome of operations run with Notify.
type Reporter interface {
	ReportOperation(ctx context.Context, info Info)
}

// Engine runs named operations with optional exclusivity, cancellation
// and asynchronous execution on a bounded worker pool.
type Engine struct {
	logger *slog.Logger
	pool   *semaphore.Weighted
	wg     sync.WaitGroup

	mu       sync.Mutex
	active   map[string]int
	ops      map[string]*Operation
	order    []string
	reporter Reporter
}

// NewEngine returns an engine running at most workers async operations at once.
func NewEngine(workers int, logger *slog.Logger) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		logger: logger,
		pool:   semaphore.NewWeighted(int64(workers)),
		active: map[string]int{},
		ops:    map[string]*Operation{},
	}
}

// SetReporter sets the sink for operations created with Notify.
func (e *Engine) SetReporter(r Reporter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reporter = r
}

// Run starts an operation. Synchronous runs return after the work
// finishes with its error: ErrOperationFailed or ErrOperationCancelled.
// Async runs return the pending handle at once.
func (e *Engine) Run(ctx context.Context, name string, fn WorkFunc, opts ...Option) (*Operation, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	id := uuid.NewString()
	op := &Operation{
		ID:     id,
		Name:   name,
		Logger: e.logger.With("operation", name, "operation_id", id),
		opts:   o,
		done:   make(chan struct{}),
		state:  StatePending,
	}

	base := ctx
	if o.async {
		base = context.WithoutCancel(ctx)
	}
	opCtx, cancel := context.WithCancel(base)
	op.cancel = cancel

	e.mu.Lock()
	if o.exclusive && e.active[name] > 0 {
		e.mu.Unlock()
		cancel()
		return nil, domain.ErrOperationInProgress{Name: name}
	}
	e.active[name]++
	e.remember(op)
	e.mu.Unlock()
	metrics.OperationsInProgress.Inc()

	if !o.async {
		e.execute(opCtx, op, fn)
		return op, op.Err()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.pool.Acquire(opCtx, 1); err != nil {
			e.finish(op, nil, err)
			return
		}
		defer e.pool.Release(1)
		e.execute(opCtx, op, fn)
	}()
	return op, nil
}

func (e *Engine) execute(ctx context.Context, op *Operation, fn WorkFunc) {
	op.mu.Lock()
	if op.cancelRequested {
		op.mu.Unlock()
		e.finish(op, nil, domain.ErrOperationCancelled)
		return
	}
	op.state = StateRunning
	op.startedAt = time.Now()
	op.mu.Unlock()

	op.Logger.Info("operation started")

	result, err := func() (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx, op)
	}()
	e.finish(op, result, err)
}

func (e *Engine) finish(op *Operation, result any, err error) {
	op.mu.Lock()
	switch {
	case op.cancelRequested:
		op.state = StateCancelled
		op.err = domain.ErrOperationCancelled
	case err != nil:
		op.state = StateFailed
		var failed domain.ErrOperationFailed
		if errors.As(err, &failed) {
			op.err = err
		} else {
			op.err = domain.ErrOperationFailed{Name: op.Name, Err: err}
		}
	default:
		op.state = StateCompleted
	}
	op.result = result
	op.finishedAt = time.Now()
	state, opErr := op.state, op.err
	op.mu.Unlock()

	op.cancel()
	close(op.done)

	e.mu.Lock()
	e.active[op.Name]--
	if e.active[op.Name] <= 0 {
		delete(e.active, op.Name)
	}
	reporter := e.reporter
	e.mu.Unlock()

	metrics.OperationsInProgress.Dec()
	metrics.OperationsTotal.WithLabelValues(string(state)).Inc()

	if opErr != nil {
		op.Logger.Warn("operation finished", "state", state, "err", opErr)
	} else {
		op.Logger.Info("operation finished", "state", state)
	}

	if op.opts.notify && reporter != nil {
		reporter.ReportOperation(context.Background(), op.Snapshot())
	}
}

// remember must be called with e.mu held.
func (e *Engine) remember(op *Operation) {
	e.ops[op.ID] = op
	e.order = append(e.order, op.ID)
	if len(e.order) <= historySize {
		return
	}
	kept := e.order[:0]
	excess := len(e.order) - historySize
	for _, id := range e.order {
		if excess > 0 && e.ops[id].State().Terminal() {
			delete(e.ops, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
}

// Get returns the operation with id.
func (e *Engine) Get(id string) (*Operation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	op, ok := e.ops[id]
	return op, ok
}

// List returns snapshots of known operations, oldest first.
func (e *Engine) List() []Info {
	e.mu.Lock()
	ops := make([]*Operation, 0, len(e.order))
	for _, id := range e.order {
		ops = append(ops, e.ops[id])
	}
	e.mu.Unlock()

	out := make([]Info, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Snapshot())
	}
	return out
}

// InProgress returns pending and running operations.
func (e *Engine) InProgress() []Info {
	var out []Info
	for _, info := range e.List() {
		if !info.State.Terminal() {
			out = append(out, info)
		}
	}
	return out
}

// Wait blocks until every async operation has finished or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
