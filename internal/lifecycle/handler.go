package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/qudata/fleet-agent/internal/domain"
	"github.com/qudata/fleet-agent/internal/message"
	"github.com/qudata/fleet-agent/internal/messaging"
	"github.com/qudata/fleet-agent/internal/metrics"
	"github.com/qudata/fleet-agent/internal/operation"
	"github.com/qudata/fleet-agent/internal/security"
	"github.com/qudata/fleet-agent/internal/storage"
)

// Messenger builds and sends outbound messages.
type Messenger interface {
	NewMessage(name string, body message.Body, broadcast bool) *message.Message
	Send(ctx context.Context, queue string, m *message.Message) error
}

// Store is the durable state the lifecycle reads and writes.
type Store interface {
	HasFlag(f domain.Flag) bool
	SetFlag(f domain.Flag) error
	ClearFlag(f domain.Flag) error
	State() (domain.AgentState, error)
	SetState(st domain.AgentState) error
	Get(key string, v any) (bool, error)
	Set(key string, v any) error
	WriteKey(name, encoded string) error
}

// Updater performs agent self-updates.
type Updater interface {
	Update(ctx context.Context, async bool) (*operation.Operation, error)
	CheckStartAfterUpdate() (bool, error)
}

// Deps are the collaborators of the lifecycle handler.
type Deps struct {
	Store     Store
	Messenger Messenger
	Engine    *operation.Engine
	System    domain.SystemAPI
	Roles     domain.RoleParams
	Platform  domain.Platform
	Identity  domain.IdentityChecker
	Updater   Updater

	BootID   func() (string, error)
	BootTime func() (time.Time, error)

	ServerID     string
	LocalIP      string
	Version      string
	ImportServer bool
	KeySize      int
	StartedAt    time.Time

	// Fatal is called when the handshake cannot continue.
	Fatal  func(error)
	Logger *slog.Logger
}

// Handler drives the agent through its lifecycle states and handles the
// control messages that change them.
type Handler struct {
	Deps
	router *messaging.Router
	events *Events
	logger *slog.Logger

	hostnameMu       sync.Mutex
	hostnameAssigned bool
}

func New(deps Deps) *Handler {
	if deps.KeySize == 0 {
		deps.KeySize = security.DefaultKeySize
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	if deps.Fatal == nil {
		deps.Fatal = func(error) {}
	}

	h := &Handler{
		Deps:   deps,
		router: messaging.NewRouter(),
		events: newEvents(),
		logger: deps.Logger.With("component", "lifecycle"),
	}
	h.router.Register(message.IntServerReboot, h.onIntServerReboot)
	h.router.Register(message.IntServerHalt, h.onIntServerHalt)
	h.router.Register(message.HostInit, h.onHostInit)
	h.router.Register(message.HostInitResponse, h.onHostInitResponse)
	h.router.Register(message.BeforeHostTerminate, h.onBeforeHostTerminate)
	h.router.Register(message.AgentUpdateAvailable, h.onAgentUpdateAvailable)
	return h
}

// Events returns the observer lists. Register observers before Start.
func (h *Handler) Events() *Events {
	return h.events
}

func (h *Handler) Accept(m *message.Message, queue string) bool {
	return h.router.Accept(m, queue)
}

func (h *Handler) Handle(ctx context.Context, m *message.Message) error {
	return h.router.Handle(ctx, m)
}

// Start resumes the lifecycle after a process start.
func (h *Handler) Start(ctx context.Context) error {
	state, err := h.Store.State()
	if err != nil {
		return err
	}

	current, err := h.Identity.IdentityCurrent(ctx)
	if err != nil {
		return fmt.Errorf("check identity: %w", err)
	}
	if !current {
		h.logger.Info("enrollment identity changed, image was rebundled")
		if err := h.Identity.ResetIdentity(ctx); err != nil {
			return fmt.Errorf("reset identity: %w", err)
		}
		state = domain.StateUnknown
	}
	if state == domain.StateUnknown {
		state = domain.StateBootstrapping
		if err := h.setState(state); err != nil {
			return err
		}
	}

	rebooted, err := h.checkBootID()
	if err != nil {
		return err
	}
	if rebooted && !h.Store.HasFlag(domain.FlagHalt) {
		// reboots not announced through IntServerReboot are still reboots
		if err := h.Store.SetFlag(domain.FlagReboot); err != nil {
			return err
		}
	}

	h.events.Start.fire(h.logger, struct{}{})

	switch {
	case rebooted && h.Store.HasFlag(domain.FlagReboot):
		h.logger.Info("resumed after reboot")
		if err := h.Store.ClearFlag(domain.FlagReboot); err != nil {
			return err
		}
		h.assignStoredHostname(ctx)
		if err := h.startAfterReboot(ctx, state); err != nil {
			return err
		}
		return h.reportAfterResume(ctx)

	case rebooted && h.Store.HasFlag(domain.FlagHalt):
		h.logger.Info("resumed after server stop")
		if err := h.Store.ClearFlag(domain.FlagHalt); err != nil {
			return err
		}
		h.assignStoredHostname(ctx)
		if err := h.resumeAfterHalt(ctx, state); err != nil {
			return err
		}
		return h.reportAfterResume(ctx)

	case h.Store.HasFlag(domain.FlagReboot), h.Store.HasFlag(domain.FlagHalt):
		// the process restarted but the host did not; the flag stays until
		// the announced reboot or halt actually happens
		h.logger.Info("restarted without host reboot, resuming normally",
			"reboot", h.Store.HasFlag(domain.FlagReboot), "halt", h.Store.HasFlag(domain.FlagHalt))
	}

	switch {
	case h.ImportServer && state != domain.StateRunning:
		h.logger.Info("server will be imported")
		return h.startImport(ctx)
	case state == domain.StateImporting:
		h.logger.Info("server import resumed, awaiting control plane")
		return nil
	case state == domain.StateBootstrapping, state == domain.StateInitializing && !h.Store.HasFlag(domain.FlagHostInitResponse):
		h.logger.Info("starting initialization", "state", state)
		return h.StartInit(ctx)
	default:
		h.logger.Info("normal start", "state", state)
		h.assignStoredHostname(ctx)
		return h.reportStartAfterUpdate(ctx, state)
	}
}

// checkBootID compares the current kernel boot id with the one saved by
// the previous start and saves the current one.
func (h *Handler) checkBootID() (bool, error) {
	current, err := h.BootID()
	if err != nil {
		return false, fmt.Errorf("read boot id: %w", err)
	}
	var saved string
	if _, err := h.Store.Get(storage.KeyBootID, &saved); err != nil {
		return false, err
	}
	if err := h.Store.Set(storage.KeyBootID, current); err != nil {
		return false, err
	}
	return saved != "" && saved != current, nil
}

func (h *Handler) startAfterReboot(ctx context.Context, state domain.AgentState) error {
	if state != domain.StateRunning {
		h.logger.Info("skipping RebootFinish", "state", state)
		return nil
	}
	hostname, _ := h.System.Hostname()
	m := h.Messenger.NewMessage(message.RebootFinish, message.Body{
		"base": message.Body{"hostname": hostname},
	}, true)
	h.events.BeforeRebootFinish.fire(h.logger, m)
	if err := h.Messenger.Send(ctx, message.QueueControl, m); err != nil {
		return err
	}
	h.events.RebootFinish.fire(h.logger, m)
	return nil
}

func (h *Handler) resumeAfterHalt(ctx context.Context, state domain.AgentState) error {
	strategy, err := h.Roles.ResumeStrategy(ctx)
	if err != nil {
		h.logger.Warn("cannot fetch resume strategy, assuming reboot", "err", err)
		strategy = domain.ResumeReboot
	}

	switch strategy {
	case domain.ResumeInit:
		h.logger.Info("re-initializing server due to resume strategy")
		if err := h.setState(domain.StateBootstrapping); err != nil {
			return err
		}
		return h.StartInit(ctx)
	default:
		return h.startAfterReboot(ctx, state)
	}
}

func (h *Handler) startImport(ctx context.Context) error {
	m := h.Messenger.NewMessage(message.Hello, message.Body{
		"server_id":    h.ServerID,
		"architecture": runtime.GOARCH,
		"agent":        message.Body{"version": h.Version},
	}, true)
	h.events.BeforeHello.fire(h.logger, m)
	if err := h.setState(domain.StateImporting); err != nil {
		return err
	}
	return h.Messenger.Send(ctx, message.QueueControl, m)
}

// reportAfterResume announces an agent update picked up across a reboot or
// halt. Resuming may have restarted the handshake, so state is read again.
func (h *Handler) reportAfterResume(ctx context.Context) error {
	state, err := h.Store.State()
	if err != nil {
		return err
	}
	return h.reportStartAfterUpdate(ctx, state)
}

func (h *Handler) reportStartAfterUpdate(ctx context.Context, state domain.AgentState) error {
	if h.Updater == nil || state != domain.StateRunning {
		return nil
	}
	updated, err := h.Updater.CheckStartAfterUpdate()
	if err != nil {
		h.logger.Warn("cannot check agent version", "err", err)
		return nil
	}
	if !updated {
		return nil
	}
	m := h.Messenger.NewMessage(message.HostUpdate, message.Body{
		"agent": message.Body{"version": h.Version},
	}, false)
	return h.Messenger.Send(ctx, message.QueueControl, m)
}

// StartInit begins the handshake: a fresh key is announced in HostInit,
// sealed with the current one, and becomes the default key once sent.
func (h *Handler) StartInit(ctx context.Context) error {
	h.resetHostname()

	key, err := security.GenerateKey(h.KeySize)
	if err != nil {
		return err
	}

	body := message.Body{
		"seconds_since_start": round2(time.Since(h.StartedAt).Seconds()),
		"crypto_key":          key,
	}
	if h.BootTime != nil {
		if boot, err := h.BootTime(); err == nil {
			body["seconds_since_boot"] = round2(time.Since(boot).Seconds())
		}
	}

	m := h.Messenger.NewMessage(message.HostInit, body, true)
	h.events.BeforeHostInit.fire(h.logger, m)

	// the response may be dispatched before Send returns
	prev, err := h.Store.State()
	if err != nil {
		return err
	}
	if err := h.setState(domain.StateInitializing); err != nil {
		return err
	}
	if err := h.Messenger.Send(ctx, message.QueueControl, m); err != nil {
		if serr := h.setState(prev); serr != nil {
			h.logger.Error("cannot restore state", "state", prev, "err", serr)
		}
		return fmt.Errorf("send HostInit: %w", err)
	}
	if err := h.Store.WriteKey(storage.DefaultKey, key); err != nil {
		return fmt.Errorf("store new crypto key: %w", err)
	}
	h.events.HostInit.fire(h.logger, m)
	return nil
}

// Reinit restarts the handshake on a running host.
func (h *Handler) Reinit(ctx context.Context) error {
	if err := h.setState(domain.StateBootstrapping); err != nil {
		return err
	}
	return h.StartInit(ctx)
}

func (h *Handler) onIntServerReboot(ctx context.Context, _ *message.Message) error {
	if err := h.Store.SetFlag(domain.FlagReboot); err != nil {
		return err
	}
	m := h.Messenger.NewMessage(message.RebootStart, nil, true)
	h.events.BeforeRebootStart.fire(h.logger, m)
	if err := h.Messenger.Send(ctx, message.QueueControl, m); err != nil {
		return err
	}
	h.events.RebootStart.fire(h.logger, m)
	return nil
}

func (h *Handler) onIntServerHalt(ctx context.Context, _ *message.Message) error {
	if err := h.Store.SetFlag(domain.FlagHalt); err != nil {
		return err
	}
	m := h.Messenger.NewMessage(message.HostDown, nil, true)
	h.events.BeforeHostDown.fire(h.logger, m)
	if err := h.Messenger.Send(ctx, message.QueueControl, m); err != nil {
		return err
	}
	h.events.HostDown.fire(h.logger, m)
	return nil
}

func (h *Handler) onHostInit(ctx context.Context, m *message.Message) error {
	base := m.Body.Section("base")
	if base == nil || m.Body.String("local_ip") != h.LocalIP {
		return nil
	}
	merged, err := h.mergeBase(base)
	if err != nil {
		return err
	}
	if err := h.assignHostname(ctx, merged.String("hostname")); err != nil {
		return err
	}

	state, err := h.Store.State()
	if err != nil {
		return err
	}
	if base.Bool("reboot_after_hostinit_phase") && state == domain.StateInitializing {
		h.logger.Info("rebooting after host init phase")
		return h.System.Reboot(ctx)
	}
	return nil
}

func (h *Handler) onHostInitResponse(ctx context.Context, m *message.Message) error {
	state, err := h.Store.State()
	if err != nil {
		return err
	}
	if state == domain.StateRunning {
		h.logger.Info("ignoring HostInitResponse", "state", state)
		return nil
	}
	if h.Store.HasFlag(domain.FlagHostInitResponse) {
		h.logger.Error("host initialization sequence was interrupted by agent restart or server reboot, cannot continue")
		h.Fatal(domain.ErrHandshakeInterrupted)
		return domain.ErrHandshakeInterrupted
	}
	if err := h.Store.SetFlag(domain.FlagHostInitResponse); err != nil {
		return err
	}

	_, err = h.Engine.Run(ctx, "system.init", func(ctx context.Context, op *operation.Operation) (any, error) {
		return nil, h.completeInit(ctx, m)
	}, operation.Exclusive())
	if err != nil {
		return err
	}
	return h.Store.ClearFlag(domain.FlagHostInitResponse)
}

// completeInit applies the HostInitResponse and announces the host as up.
func (h *Handler) completeInit(ctx context.Context, m *message.Message) error {
	base, err := h.mergeBase(m.Body.Section("base"))
	if err != nil {
		return err
	}

	if key := m.Body.String("farm_crypto_key"); key != "" {
		if err := h.Store.WriteKey(storage.FarmKey, key); err != nil {
			return fmt.Errorf("store farm key: %w", err)
		}
	} else {
		h.logger.Warn("farm_crypto_key not received in HostInitResponse")
	}
	h.events.HostInitResponse.fire(h.logger, m)

	if err := h.assignHostname(ctx, base.String("hostname")); err != nil {
		return err
	}

	hostname, _ := h.System.Hostname()
	hostUp := h.Messenger.NewMessage(message.HostUp, message.Body{
		"base": message.Body{"hostname": hostname},
	}, true)
	h.events.BeforeHostUp.fire(h.logger, hostUp)

	beforeUp := h.Messenger.NewMessage(message.BeforeHostUp, nil, true)
	if err := h.Messenger.Send(ctx, message.QueueControl, beforeUp); err != nil {
		return err
	}
	if err := h.Messenger.Send(ctx, message.QueueControl, hostUp); err != nil {
		return err
	}
	if err := h.setState(domain.StateRunning); err != nil {
		return err
	}
	h.events.HostUp.fire(h.logger, hostUp)
	return nil
}

func (h *Handler) onBeforeHostTerminate(ctx context.Context, m *message.Message) error {
	if m.Body.String("local_ip") != h.LocalIP {
		return nil
	}

	if err := h.Platform.ReleaseStaticNAT(ctx); err != nil {
		h.logger.Warn("failed to release static NAT", "platform", h.Platform.Name(), "err", err)
	}
	if m.Body.Bool("suspend") {
		return nil
	}

	for _, v := range m.Body.List("volumes") {
		var volume map[string]any
		switch vol := v.(type) {
		case message.Body:
			volume = vol
		case map[string]any:
			volume = vol
		default:
			continue
		}
		if err := h.Platform.DetachVolume(ctx, volume); err != nil {
			h.logger.Warn("failed to detach volume", "volume", volume, "err", err)
		}
	}
	return nil
}

func (h *Handler) onAgentUpdateAvailable(ctx context.Context, _ *message.Message) error {
	if h.Updater == nil {
		return nil
	}
	if _, err := h.Updater.Update(ctx, true); err != nil {
		var denied domain.ErrUpdateDenied
		if errors.As(err, &denied) {
			h.logger.Info("update postponed", "reason", denied.Reason)
			return nil
		}
		return err
	}
	return nil
}

// mergeBase merges base into the persisted base configuration and returns
// the result.
func (h *Handler) mergeBase(base message.Body) (message.Body, error) {
	merged := message.Body{}
	if _, err := h.Store.Get(storage.KeyBaseConfig, &merged); err != nil {
		return nil, err
	}
	if len(base) == 0 {
		return merged, nil
	}
	merged.Merge(base)
	if err := h.Store.Set(storage.KeyBaseConfig, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// assignHostname sets the host name at most once per handshake attempt.
func (h *Handler) assignHostname(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	h.hostnameMu.Lock()
	defer h.hostnameMu.Unlock()
	if h.hostnameAssigned {
		return nil
	}
	if err := h.System.SetHostname(ctx, name); err != nil {
		return fmt.Errorf("assign hostname %q: %w", name, err)
	}
	h.hostnameAssigned = true
	h.logger.Info("hostname assigned", "hostname", name)
	return nil
}

func (h *Handler) assignStoredHostname(ctx context.Context) {
	base, err := h.mergeBase(nil)
	if err != nil {
		h.logger.Warn("cannot read base config", "err", err)
		return
	}
	if err := h.assignHostname(ctx, base.String("hostname")); err != nil {
		h.logger.Warn("cannot assign hostname", "err", err)
	}
}

func (h *Handler) resetHostname() {
	h.hostnameMu.Lock()
	h.hostnameAssigned = false
	h.hostnameMu.Unlock()
}

func (h *Handler) setState(st domain.AgentState) error {
	if err := h.Store.SetState(st); err != nil {
		return err
	}
	metrics.LifecycleTransitionsTotal.WithLabelValues(string(st)).Inc()
	h.logger.Info("agent state changed", "state", st)
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
