package scripting

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/qudata/fleet-agent/internal/domain"
	"github.com/qudata/fleet-agent/internal/message"
	"github.com/qudata/fleet-agent/internal/metrics"
	"github.com/qudata/fleet-agent/internal/operation"
	"github.com/qudata/fleet-agent/internal/storage"
)

// Messenger builds and sends outbound messages.
type Messenger interface {
	NewMessage(name string, body message.Body, broadcast bool) *message.Message
	Send(ctx context.Context, queue string, m *message.Message) error
}

// StateStore persists the in-progress snapshot and exposes the agent state.
type StateStore interface {
	State() (domain.AgentState, error)
	Get(key string, v any) (bool, error)
	Set(key string, v any) error
	Delete(key string) error
}

// unknownRole is used when an event names no role.
const unknownRole = "unknown_role"

var errExecutorClosed = errors.New("script executor is shut down")

// Lifecycle messages never carry scripts for this host.
var skipEvents = map[string]bool{
	message.IntServerReboot:  true,
	message.IntServerHalt:    true,
	message.HostInitResponse: true,
}

// Executor runs scripts attached to inbound messages and reports results.
type Executor struct {
	cfg       Config
	engine    *operation.Engine
	messenger Messenger
	store     StateStore
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]*Script
	closed  bool
}

func NewExecutor(cfg Config, engine *operation.Engine, messenger Messenger, store StateStore, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:       cfg,
		engine:    engine,
		messenger: messenger,
		store:     store,
		logger:    logger,
		running:   map[string]*Script{},
	}
}

// Accept takes messages carrying scripts. Scripting is off while the
// server is being imported.
func (e *Executor) Accept(m *message.Message, _ string) bool {
	if skipEvents[m.Name] || len(m.Body.List("scripts")) == 0 {
		return false
	}
	st, err := e.store.State()
	if err != nil {
		e.logger.Warn("cannot read agent state", "err", err)
		return true
	}
	if st == domain.StateImporting {
		e.logger.Debug("scripting is off while importing", "event", m.Name)
		return false
	}
	return true
}

// Handle runs every script in m. Synchronous scripts run one after
// another before Handle returns; asynchronous ones go to the worker pool.
// It fails only when shutdown came before any script was launched, so the
// message is dispatched again on the next start.
func (e *Executor) Handle(ctx context.Context, m *message.Message) error {
	launched := 0
	for _, spec := range e.parse(m) {
		s, err := NewScript(e.cfg, spec, e.logger)
		if err != nil {
			metrics.ScriptRunsTotal.WithLabelValues("invalid").Inc()
			e.logger.Error("cannot build script", "event", m.Name, "err", err)
			continue
		}

		opts := []operation.Option{}
		if s.Asynchronous {
			opts = append(opts, operation.Async())
		}
		_, err = e.engine.Run(ctx, "script."+s.Name, e.work(s), opts...)
		switch {
		case errors.Is(err, errExecutorClosed):
			if launched == 0 {
				return err
			}
			e.logger.Warn("executor shut down, remaining scripts skipped", "event", m.Name, "script", s.Name)
			return nil
		case errors.Is(err, ErrDetached):
		case err != nil:
			e.logger.Error("script execution failed", "script", s.Name, "err", err)
		}
		launched++
	}
	return nil
}

func (e *Executor) parse(m *message.Message) []Spec {
	eventName := m.Name
	if m.Name == message.ExecScript {
		if name := m.Body.String("event_name"); name != "" {
			eventName = name
		}
	}
	roleName := m.Body.String("role_name")
	if roleName == "" {
		roleName = unknownRole
	}
	eventID := m.Body.String("event_id")
	if eventID == "" {
		eventID = m.ID
	}

	environ := map[string]string{}
	for _, item := range m.Body.List("global_variables") {
		kv := asBody(item)
		if name := kv.String("name"); name != "" {
			environ[name] = kv.String("value")
		}
	}

	var specs []Spec
	for _, item := range m.Body.List("scripts") {
		b := asBody(item)
		if b == nil {
			continue
		}
		specs = append(specs, Spec{
			Name:          b.String("name"),
			Body:          b.String("body"),
			Path:          b.String("path"),
			ExecTimeout:   time.Duration(b.Int("timeout", b.Int("exec_timeout", 0))) * time.Second,
			Asynchronous:  b.Bool("asynchronous"),
			ExecutionID:   b.String("execution_id"),
			RunAs:         b.String("run_as"),
			EventName:     eventName,
			RoleName:      roleName,
			EventServerID: m.Body.String("server_id"),
			EventID:       eventID,
			Environ:       environ,
		})
	}
	return specs
}

func asBody(v any) message.Body {
	switch b := v.(type) {
	case message.Body:
		return b
	case map[string]any:
		return message.Body(b)
	}
	return nil
}

// work runs s to completion and reports the result. A script detached by
// Shutdown is left running and stays in the persisted snapshot.
func (e *Executor) work(s *Script) operation.WorkFunc {
	return func(ctx context.Context, op *operation.Operation) (any, error) {
		op.Set("script", s.ID)
		if err := e.launch(s); err != nil {
			metrics.ScriptRunsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		e.persist()

		waitErr := s.Wait(ctx)
		if errors.Is(waitErr, ErrDetached) {
			s.logger.Info("script left running for reattach", "pid", s.PID)
			return nil, waitErr
		}
		defer e.untrack(s)
		defer s.Cleanup()

		res := s.Result()

		outcome := "ok"
		switch {
		case res.ReturnCode == TimeoutReturnCode:
			outcome = "killed"
		case res.ReturnCode == CancelledReturnCode:
			outcome = "cancelled"
		case res.ReturnCode != 0:
			outcome = "nonzero"
		}
		metrics.ScriptRunsTotal.WithLabelValues(outcome).Inc()
		metrics.ScriptDuration.Observe(res.TimeElapsed)

		s.logger.Info("script finished", "return_code", res.ReturnCode, "elapsed", res.TimeElapsed)

		msg := e.messenger.NewMessage(message.ExecScriptResult, res.Body(), false)
		if err := e.messenger.Send(context.WithoutCancel(ctx), message.QueueLog, msg); err != nil {
			s.logger.Error("failed to report script result", "err", err)
		}
		return res.ReturnCode, waitErr
	}
}

// launch starts s unless it was reattached and records it as running.
// Nothing is started once the executor is shut down.
func (e *Executor) launch(s *Script) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errExecutorClosed
	}
	if !s.reattached {
		if err := s.Start(); err != nil {
			return err
		}
	}
	e.running[s.ID] = s
	return nil
}

func (e *Executor) untrack(s *Script) {
	e.mu.Lock()
	delete(e.running, s.ID)
	e.mu.Unlock()
	e.persist()
}

// Running returns snapshots of scripts in progress.
func (e *Executor) Running() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, 0, len(e.running))
	for _, s := range e.running {
		out = append(out, s.Snapshot())
	}
	return out
}

func (e *Executor) persist() {
	snaps := e.Running()
	var err error
	if len(snaps) == 0 {
		err = e.store.Delete(storage.KeyScripts)
	} else {
		err = e.store.Set(storage.KeyScripts, snaps)
	}
	if err != nil {
		e.logger.Error("failed to persist running scripts", "err", err)
	}
}

// Start reattaches to scripts recorded by a previous run. Scripts whose
// process is gone are discarded without a result.
func (e *Executor) Start(ctx context.Context) error {
	var snaps []Snapshot
	ok, err := e.store.Get(storage.KeyScripts, &snaps)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := e.store.Delete(storage.KeyScripts); err != nil {
		return err
	}

	for _, snap := range snaps {
		s, err := Restore(e.cfg, snap, e.logger)
		if err != nil {
			e.logger.Warn("discarding script snapshot", "err", err)
			continue
		}
		if !s.Alive() {
			e.logger.Info("script finished while agent was down", "script", s.Name, "pid", s.PID)
			continue
		}
		e.logger.Info("reattached to running script", "script", s.Name, "pid", s.PID)
		if _, err := e.engine.Run(ctx, "script."+s.Name, e.work(s), operation.Async()); err != nil {
			e.logger.Error("cannot resume script", "script", s.Name, "err", err)
		}
	}
	return nil
}

// Shutdown detaches from the scripts still running without signalling
// them and persists their snapshots so the next start can reattach.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	e.closed = true
	for _, s := range e.running {
		s.Detach()
	}
	e.mu.Unlock()
	e.persist()
}
