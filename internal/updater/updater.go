package updater

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/qudata/fleet-agent/internal/domain"
	"github.com/qudata/fleet-agent/internal/operation"
	"github.com/qudata/fleet-agent/internal/storage"
)

// OperationName is the exclusive operation an update runs as.
const OperationName = "agent.update"

// Update states, persisted under storage.KeyUpdateStatus.
const (
	StateNoop    = "noop"
	StatePrepare = "in-progress/prepare"
	StateInstall = "in-progress/install"
	StateDone    = "completed"
	StateError   = "error"
)

// Status is the persisted progress of the last update.
type Status struct {
	State     string    `json:"state"`
	PrevState string    `json:"prev_state,omitempty"`
	Error     string    `json:"error,omitempty"`
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps update status and the running version between starts.
type Store interface {
	Get(key string, v any) (bool, error)
	Set(key string, v any) error
	SetFlag(f domain.Flag) error
	ClearFlag(f domain.Flag) error
}

// Updater runs the configured update command under sudo-capable bash.
type Updater struct {
	command string
	version string
	engine  *operation.Engine
	store   Store
	logger  *slog.Logger
}

func New(command, version string, engine *operation.Engine, store Store, logger *slog.Logger) *Updater {
	return &Updater{
		command: command,
		version: version,
		engine:  engine,
		store:   store,
		logger:  logger.With("component", "updater"),
	}
}

// Update starts a self-update. It is denied while any other operation is
// in progress.
func (u *Updater) Update(ctx context.Context, async bool) (*operation.Operation, error) {
	if strings.TrimSpace(u.command) == "" {
		return nil, domain.ErrUpdateDenied{Reason: "no update command configured"}
	}
	if inProgress := u.engine.InProgress(); len(inProgress) > 0 {
		return nil, domain.ErrUpdateDenied{Reason: fmt.Sprintf("%d operations in progress, %s first", len(inProgress), inProgress[0].Name)}
	}

	opts := []operation.Option{operation.Exclusive(), operation.Notify()}
	if async {
		opts = append(opts, operation.Async())
	}
	return u.engine.Run(ctx, OperationName, u.run, opts...)
}

func (u *Updater) run(ctx context.Context, op *operation.Operation) (any, error) {
	if err := u.setState(StatePrepare, ""); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", u.command)
	cmd.Env = append(os.Environ(), "FLEET_AGENT_VERSION="+u.version)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := u.setState(StateInstall, ""); err != nil {
		return nil, err
	}
	op.Logger.Info("running update command")
	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(buf.String())
		op.Logger.Error("self-update failed", "err", err, "output", output)
		if serr := u.setState(StateError, err.Error()); serr != nil {
			op.Logger.Warn("cannot store update status", "err", serr)
		}
		return nil, fmt.Errorf("self-update failed: %w", err)
	}

	if err := u.setState(StateDone, ""); err != nil {
		return nil, err
	}
	if err := u.store.SetFlag(domain.FlagUpdate); err != nil {
		return nil, err
	}
	op.Logger.Info("self-update completed successfully")
	return u.Status()
}

func (u *Updater) setState(state, errText string) error {
	st, err := u.Status()
	if err != nil {
		return err
	}
	st.PrevState, st.State = st.State, state
	st.Error = errText
	st.Version = u.version
	st.UpdatedAt = time.Now().UTC()
	return u.store.Set(storage.KeyUpdateStatus, st)
}

// Status returns the persisted status, StateNoop when no update ran.
func (u *Updater) Status() (Status, error) {
	st := Status{State: StateNoop, Version: u.version}
	if _, err := u.store.Get(storage.KeyUpdateStatus, &st); err != nil {
		return Status{}, err
	}
	return st, nil
}

// CheckStartAfterUpdate records the running version and reports whether
// it differs from the one recorded by the previous start.
func (u *Updater) CheckStartAfterUpdate() (bool, error) {
	var prev string
	if _, err := u.store.Get(storage.KeyAgentVersion, &prev); err != nil {
		return false, err
	}
	after := prev != "" && prev != u.version
	if err := u.store.Set(storage.KeyStartAfterUpdate, after); err != nil {
		return false, err
	}
	if err := u.store.Set(storage.KeyAgentVersion, u.version); err != nil {
		return false, err
	}
	if after {
		u.logger.Info("agent was updated", "from", prev, "to", u.version)
		if err := u.store.ClearFlag(domain.FlagUpdate); err != nil {
			return false, err
		}
	}
	return after, nil
}
