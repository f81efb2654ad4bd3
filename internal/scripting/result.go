package scripting

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/qudata/fleet-agent/internal/message"
)

// Result is reported as the body of an ExecScriptResult message.
// Stdout and Stderr are base64 encoded.
type Result struct {
	Stdout        string
	Stderr        string
	ExecutionID   string
	TimeElapsed   float64
	ScriptName    string
	ScriptPath    string
	EventName     string
	ReturnCode    int
	EventServerID string
	EventID       string
	RunAs         string
}

// Body renders the result as a message body.
func (r Result) Body() message.Body {
	return message.Body{
		"stdout":          r.Stdout,
		"stderr":          r.Stderr,
		"execution_id":    r.ExecutionID,
		"time_elapsed":    r.TimeElapsed,
		"script_name":     r.ScriptName,
		"script_path":     r.ScriptPath,
		"event_name":      r.EventName,
		"return_code":     r.ReturnCode,
		"event_server_id": r.EventServerID,
		"event_id":        r.EventID,
		"run_as":          r.RunAs,
	}
}

// Snapshot is the persisted form of a running script.
type Snapshot struct {
	ID            string    `json:"id"`
	PID           int       `json:"pid"`
	Name          string    `json:"name"`
	Interpreter   string    `json:"interpreter"`
	StartTime     time.Time `json:"start_time"`
	Asynchronous  bool      `json:"asynchronous"`
	EventName     string    `json:"event_name"`
	RoleName      string    `json:"role_name"`
	ExecTimeout   float64   `json:"exec_timeout"`
	RunAs         string    `json:"run_as,omitempty"`
	ExecPath      string    `json:"exec_path"`
	ExecutionID   string    `json:"execution_id,omitempty"`
	EventServerID string    `json:"event_server_id,omitempty"`
	EventID       string    `json:"event_id,omitempty"`
}

// Snapshot captures what is needed to reattach after a restart.
func (s *Script) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:            s.ID,
		PID:           s.PID,
		Name:          s.Name,
		Interpreter:   s.Interpreter,
		StartTime:     s.StartTime,
		Asynchronous:  s.Asynchronous,
		EventName:     s.EventName,
		RoleName:      s.RoleName,
		ExecTimeout:   s.ExecTimeout.Seconds(),
		RunAs:         s.RunAs,
		ExecPath:      s.ExecPath,
		ExecutionID:   s.ExecutionID,
		EventServerID: s.EventServerID,
		EventID:       s.EventID,
	}
}

// Restore rebuilds a script from a snapshot. The process is not checked;
// use Alive before waiting on it.
func Restore(cfg Config, snap Snapshot, logger *slog.Logger) (*Script, error) {
	if snap.PID <= 0 || snap.Interpreter == "" {
		return nil, fmt.Errorf("restore script %s: incomplete snapshot", snap.Name)
	}
	s := &Script{
		Spec: Spec{
			Name:          snap.Name,
			ExecTimeout:   time.Duration(snap.ExecTimeout * float64(time.Second)),
			Asynchronous:  snap.Asynchronous,
			EventName:     snap.EventName,
			RoleName:      snap.RoleName,
			EventServerID: snap.EventServerID,
			EventID:       snap.EventID,
			ExecutionID:   snap.ExecutionID,
			RunAs:         snap.RunAs,
		},
		ID:          snap.ID,
		Interpreter: snap.Interpreter,
		ExecPath:    snap.ExecPath,
		StartTime:   snap.StartTime,
		PID:         snap.PID,
		cfg:         cfg,
		reattached:  true,
		ownsBody:    cfg.ExecDir != "" && strings.HasPrefix(snap.ExecPath, filepath.Clean(cfg.ExecDir)+string(filepath.Separator)),
		exited:      make(chan struct{}),
		detached:    make(chan struct{}),
		logger:      logger.With("script", snap.Name, "script_id", snap.ID),
	}
	s.StdoutPath, s.StderrPath = s.logPaths()
	return s, nil
}

// Alive reports whether a reattached process still runs the interpreter.
func (s *Script) Alive() bool {
	return s.alive()
}
