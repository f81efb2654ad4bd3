package scripting

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/qudata/fleet-agent/internal/domain"
)

const (
	// TimeoutReturnCode is reported for scripts killed after their timeout.
	TimeoutReturnCode = -9
	// CancelledReturnCode is reported for scripts terminated by a cancel.
	CancelledReturnCode = -15
)

var (
	// PollInterval is how often a reattached process is checked.
	PollInterval = 500 * time.Millisecond
	// KillGrace separates SIGTERM from SIGKILL.
	KillGrace = 2 * time.Second
)

var errMissingShebang = errors.New("missing shebang line")

// ErrDetached is returned by Wait after Detach. The process keeps running.
var ErrDetached = errors.New("detached from running script")

// Config holds the settings shared by every script.
type Config struct {
	ExecDir      string
	LogDir       string
	TruncateOver int
	// Alive checks a reattached process; it gets the pid and interpreter.
	Alive func(pid int, interpreter string) bool
}

// Spec describes a script to run.
type Spec struct {
	Name          string
	Body          string
	Path          string
	ExecTimeout   time.Duration
	Asynchronous  bool
	EventName     string
	RoleName      string
	EventServerID string
	EventID       string
	ExecutionID   string
	RunAs         string
	Environ       map[string]string
}

// Script is one execution of a user script.
type Script struct {
	Spec

	ID          string
	Interpreter string
	ExecPath    string
	StdoutPath  string
	StderrPath  string
	StartTime   time.Time
	PID         int

	cfg        Config
	logger     *slog.Logger
	ownsBody   bool
	reattached bool

	mu         sync.Mutex
	cmd        *exec.Cmd
	exited     chan struct{}
	detached   chan struct{}
	detachOnce sync.Once
	returnCode int
	elapsed    time.Duration
	finished   bool
}

// NewScript validates spec and prepares a script for Start.
func NewScript(cfg Config, spec Spec, logger *slog.Logger) (*Script, error) {
	if spec.Name == "" {
		return nil, domain.ErrScript{Script: "<unnamed>", Op: "validate", Err: errors.New("name is required")}
	}
	if spec.ExecTimeout <= 0 {
		return nil, domain.ErrScript{Script: spec.Name, Op: "validate", Err: errors.New("timeout is required")}
	}
	if spec.Body == "" && spec.Path == "" {
		return nil, domain.ErrScript{Script: spec.Name, Op: "validate", Err: errors.New("neither body nor path given")}
	}
	if runtime.GOOS == "windows" && spec.RunAs != "" {
		return nil, domain.ErrScript{Script: spec.Name, Op: "validate", Err: errors.New("run_as is not supported on windows")}
	}

	interpreter, err := ReadShebang(spec.Path, spec.Body)
	if err != nil {
		return nil, domain.ErrScript{Script: spec.Name, Op: "validate", Err: err}
	}

	s := &Script{
		Spec:        spec,
		ID:          fmt.Sprintf("%d.%d", time.Now().Unix(), rand.IntN(1_000_000)),
		Interpreter: interpreter,
		cfg:         cfg,
		exited:      make(chan struct{}),
		detached:    make(chan struct{}),
	}
	s.Name = filepath.Base(spec.Name)

	if spec.Path != "" {
		s.ExecPath = spec.Path
	} else {
		s.ExecPath = filepath.Join(cfg.ExecDir, s.ID, s.Name)
		s.ownsBody = true
	}
	s.StdoutPath, s.StderrPath = s.logPaths()
	s.logger = logger.With("script", s.Name, "script_id", s.ID)
	return s, nil
}

func (s *Script) logPaths() (string, string) {
	var base string
	if s.ExecutionID != "" {
		base = fmt.Sprintf("%s.%s.%s", s.Name, s.EventName, s.ExecutionID)
	} else {
		base = fmt.Sprintf("%s.%s.%s.%s", s.Name, s.EventName, s.RoleName, s.ID)
	}
	return filepath.Join(s.cfg.LogDir, base+"-out.log"), filepath.Join(s.cfg.LogDir, base+"-err.log")
}

// ReadShebang returns the interpreter named on the first line of body,
// or of the file at path when body is empty.
func ReadShebang(path, body string) (string, error) {
	var first string
	if body != "" {
		first, _, _ = strings.Cut(body, "\n")
	} else {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("read shebang: %w", err)
		}
		defer f.Close()
		line, err := bufio.NewReader(f).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read shebang: %w", err)
		}
		first = line
	}

	first = strings.TrimSpace(first)
	if !strings.HasPrefix(first, "#!") {
		return "", errMissingShebang
	}
	interpreter := strings.TrimSpace(strings.TrimPrefix(first, "#!"))
	if interpreter == "" {
		return "", errMissingShebang
	}
	return interpreter, nil
}

// Start writes the body if needed and spawns the process.
func (s *Script) Start() error {
	if runtime.GOOS != "windows" {
		if err := checkInterpreter(s.Interpreter); err != nil {
			return domain.ErrScript{Script: s.Name, Op: "start", Err: err}
		}
	}
	if err := os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
		return domain.ErrScript{Script: s.Name, Op: "start", Err: err}
	}
	if s.ownsBody {
		if err := os.MkdirAll(filepath.Dir(s.ExecPath), 0o755); err != nil {
			return domain.ErrScript{Script: s.Name, Op: "start", Err: err}
		}
		if err := os.WriteFile(s.ExecPath, []byte(s.Body), 0o755); err != nil {
			return domain.ErrScript{Script: s.Name, Op: "start", Err: err}
		}
	}

	stdout, err := os.Create(s.StdoutPath)
	if err != nil {
		return domain.ErrScript{Script: s.Name, Op: "start", Err: err}
	}
	stderr, err := os.Create(s.StderrPath)
	if err != nil {
		stdout.Close()
		return domain.ErrScript{Script: s.Name, Op: "start", Err: err}
	}

	var cmd *exec.Cmd
	if s.RunAs != "" && s.RunAs != "root" {
		cmd = exec.Command("sudo", "-u", s.RunAs, "-H", s.ExecPath)
	} else {
		cmd = exec.Command(s.ExecPath)
	}
	cmd.Dir = filepath.Dir(s.ExecPath)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()
	for k, v := range s.Environ {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return domain.ErrScript{Script: s.Name, Op: "start", Err: err}
	}

	s.mu.Lock()
	s.cmd = cmd
	s.PID = cmd.Process.Pid
	s.StartTime = time.Now()
	s.mu.Unlock()

	s.logger.Info("script started", "pid", s.PID, "interpreter", s.Interpreter, "async", s.Asynchronous)

	go func() {
		err := cmd.Wait()
		stdout.Close()
		stderr.Close()

		code := cmd.ProcessState.ExitCode()
		if err != nil && code == 0 {
			code = 1
		}
		s.mu.Lock()
		if !s.finished {
			s.returnCode = code
		}
		s.mu.Unlock()
		close(s.exited)
	}()
	return nil
}

// checkInterpreter verifies the binary named by a shebang exists.
func checkInterpreter(interpreter string) error {
	fields := strings.Fields(interpreter)
	if len(fields) == 0 {
		return errMissingShebang
	}
	if _, err := os.Stat(fields[0]); err != nil {
		return fmt.Errorf("interpreter %s not found: %w", fields[0], err)
	}
	return nil
}

// Wait blocks until the process exits, its timeout elapses, ctx ends or
// the script is detached. A timed out process is terminated with
// TimeoutReturnCode, a cancelled one with CancelledReturnCode. After
// Detach the process is left alone and Wait returns ErrDetached.
func (s *Script) Wait(ctx context.Context) error {
	deadline := time.NewTimer(time.Until(s.StartTime.Add(s.ExecTimeout)))
	defer deadline.Stop()
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.exited:
			s.finish(0)
			return nil
		case <-s.detached:
			return ErrDetached
		case <-ticker.C:
			if s.reattached && !s.alive() {
				s.finish(0)
				return nil
			}
		case <-deadline.C:
			s.logger.Warn("script timed out, terminating", "timeout", s.ExecTimeout)
			s.terminate()
			s.finish(TimeoutReturnCode)
			return nil
		case <-ctx.Done():
			if s.isDetached() {
				return ErrDetached
			}
			s.logger.Warn("script cancelled, terminating")
			s.terminate()
			s.finish(CancelledReturnCode)
			return ctx.Err()
		}
	}
}

// Kill terminates the process; Wait then returns.
func (s *Script) Kill() {
	s.terminate()
}

// Detach makes Wait return ErrDetached without signalling the process.
func (s *Script) Detach() {
	s.detachOnce.Do(func() { close(s.detached) })
}

func (s *Script) isDetached() bool {
	select {
	case <-s.detached:
		return true
	default:
		return false
	}
}

func (s *Script) alive() bool {
	if s.cfg.Alive == nil {
		return false
	}
	return s.cfg.Alive(s.PID, strings.Fields(s.Interpreter)[0])
}

// finish records the outcome; a non-zero code overrides the exit status.
func (s *Script) finish(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	if code != 0 {
		s.returnCode = code
	}
	s.elapsed = time.Since(s.StartTime)
}

// terminate sends SIGTERM to the process group, then SIGKILL after KillGrace.
func (s *Script) terminate() {
	pid := s.PID
	if pid <= 0 {
		return
	}
	signalGroup(pid, syscall.SIGTERM)

	grace := time.NewTimer(KillGrace)
	defer grace.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-s.exited:
			return
		case <-poll.C:
			if s.reattached && !s.alive() {
				return
			}
		case <-grace.C:
			s.logger.Warn("script ignored SIGTERM, killing", "pid", pid)
			signalGroup(pid, syscall.SIGKILL)
			return
		}
	}
}

func signalGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		syscall.Kill(pid, sig)
	}
}

// ReturnCode returns the exit status once finished.
func (s *Script) ReturnCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.returnCode
}

// Cleanup removes the directory the body was written to.
func (s *Script) Cleanup() {
	if !s.ownsBody {
		return
	}
	if err := os.RemoveAll(filepath.Dir(s.ExecPath)); err != nil {
		s.logger.Warn("failed to remove exec dir", "err", err)
	}
}

// Result collects the outcome for reporting.
func (s *Script) Result() Result {
	s.mu.Lock()
	code, elapsed := s.returnCode, s.elapsed
	s.mu.Unlock()

	return Result{
		Stdout:        readLog(s.StdoutPath, s.cfg.TruncateOver),
		Stderr:        readLog(s.StderrPath, s.cfg.TruncateOver),
		ExecutionID:   s.ExecutionID,
		TimeElapsed:   elapsed.Seconds(),
		ScriptName:    s.Name,
		ScriptPath:    s.ExecPath,
		EventName:     s.EventName,
		ReturnCode:    code,
		EventServerID: s.EventServerID,
		EventID:       s.EventID,
		RunAs:         s.RunAs,
	}
}

// readLog returns the base64 of the log, cut at limit bytes with a marker.
func readLog(path string, limit int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return ""
	}
	if limit > 0 && len(data) > limit {
		data = append(data[:limit], []byte("\n... Truncated. See the full log in "+path)...)
	}
	return base64.StdEncoding.EncodeToString(data)
}
