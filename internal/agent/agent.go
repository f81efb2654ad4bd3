package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"github.com/qudata/fleet-agent/internal/config"
	"github.com/qudata/fleet-agent/internal/domain"
	"github.com/qudata/fleet-agent/internal/lifecycle"
	"github.com/qudata/fleet-agent/internal/message"
	"github.com/qudata/fleet-agent/internal/messaging"
	"github.com/qudata/fleet-agent/internal/operation"
	"github.com/qudata/fleet-agent/internal/scripting"
	"github.com/qudata/fleet-agent/internal/security"
	"github.com/qudata/fleet-agent/internal/server"
	"github.com/qudata/fleet-agent/internal/storage"
	"github.com/qudata/fleet-agent/internal/system"
	"github.com/qudata/fleet-agent/internal/updater"
)

const shutdownTimeout = 10 * time.Second

// Agent owns every subsystem of the host agent. It is built once at
// startup and passed around explicitly.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *storage.Store
	messages  *storage.MessageStore
	engine    *operation.Engine
	messaging *messaging.Service
	lifecycle *lifecycle.Handler
	executor  *scripting.Executor
	rotator   *scripting.LogRotator
	updater   *updater.Updater
	api       *server.Server

	fatal chan error
}

// New creates and wires all agent subsystems. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	store, err := storage.NewStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if err := ensureKey(store, cfg.CryptoKey, logger); err != nil {
		return nil, err
	}

	messages, err := storage.OpenMessageStore(cfg.MessageDBPath())
	if err != nil {
		return nil, fmt.Errorf("init message store: %w", err)
	}

	platform, err := newPlatform(cfg, logger)
	if err != nil {
		messages.Close()
		return nil, fmt.Errorf("init platform: %w", err)
	}

	a := &Agent{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		messages: messages,
		fatal:    make(chan error, 1),
	}

	localIP := cfg.LocalIP
	if localIP == "" {
		localIP = system.LocalIP()
	}
	publicIP := cfg.PublicIP
	if publicIP == "" {
		publicIP = system.PublicIP()
	}

	channel := security.NewChannel(store.KeySource(storage.DefaultKey), logger)
	producer := messaging.NewProducer(messaging.ProducerConfig{
		Endpoint: cfg.ProducerURL,
		ServerID: cfg.ServerID,
		Format:   cfg.MessageFormat,
		Backoff:  cfg.SendBackoff,
	}, channel, messages, logger)
	producer.OnBeforeSend(a.decorate)

	consumer := messaging.NewConsumer(messaging.ConsumerConfig{
		Addr:         fmt.Sprintf("0.0.0.0:%d", cfg.ConsumerPort),
		Format:       cfg.MessageFormat,
		MaxClockSkew: cfg.MaxClockSkew,
	}, channel, messages, logger)

	a.messaging = messaging.NewService(producer, consumer, messaging.Broadcast{
		LocalIP:   localIP,
		PublicIP:  publicIP,
		RoleName:  cfg.RoleName,
		Behaviors: cfg.Behaviors,
	})

	a.engine = operation.NewEngine(cfg.Workers, logger)
	a.engine.SetReporter(a)

	a.updater = updater.New(cfg.UpdateCommand, config.Version, a.engine, store, logger)

	a.executor = scripting.NewExecutor(scripting.Config{
		ExecDir:      cfg.ScriptExecDir,
		LogDir:       cfg.ScriptLogDir,
		TruncateOver: cfg.ScriptLogsTruncateOver,
		Alive:        system.ProcessAlive,
	}, a.engine, a.messaging, store, logger)
	a.rotator = scripting.NewLogRotator(cfg.ScriptLogDir, cfg.ScriptRotateInterval, cfg.ScriptLogsRetention, logger)

	a.lifecycle = lifecycle.New(lifecycle.Deps{
		Store:        store,
		Messenger:    a.messaging,
		Engine:       a.engine,
		System:       system.Host{},
		Roles:        system.StoreRoleParams{Store: store},
		Platform:     platform,
		Identity:     system.StoreIdentity{Store: store, ServerID: cfg.ServerID},
		Updater:      a.updater,
		BootID:       func() (string, error) { return system.BootID(system.BootIDPath) },
		BootTime:     system.BootTime,
		ServerID:     cfg.ServerID,
		LocalIP:      localIP,
		Version:      config.Version,
		ImportServer: cfg.ImportServer,
		Fatal:        a.fail,
		Logger:       logger,
	})
	events := a.lifecycle.Events()
	events.HostInitResponse.Add(a.rotator.OnHostInitResponse)
	events.BeforeHostUp.Add(a.rotator.OnBeforeHostUp)

	consumer.AddHandler(a.lifecycle)
	consumer.AddHandler(a.executor)

	api := server.NewAPI(config.Version, cfg.ServerID, store, a.lifecycle, a.engine, messages, a.updater, logger)
	a.api = server.NewServer(cfg.APIPort, api, channel, cfg.MaxClockSkew, logger)

	return a, nil
}

// newPlatform selects the cloud platform collaborator.
func newPlatform(cfg *config.Config, logger *slog.Logger) (domain.Platform, error) {
	switch cfg.Platform {
	case "", "none":
		return system.NoopPlatform{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown platform %q", cfg.Platform)
	}
}

// ensureKey makes sure a default key exists, seeding it from configuration
// or generating one.
func ensureKey(store *storage.Store, seed string, logger *slog.Logger) error {
	if _, err := store.ReadKey(storage.DefaultKey); err == nil {
		return nil
	}
	if seed == "" {
		logger.Warn("no crypto key configured, generating one; the control plane must learn it from HostInit")
		generated, err := security.GenerateKey(security.DefaultKeySize)
		if err != nil {
			return err
		}
		seed = generated
	}
	if err := store.WriteKey(storage.DefaultKey, seed); err != nil {
		return fmt.Errorf("store crypto key: %w", err)
	}
	return nil
}

// decorate stamps every outbound message with sender metadata.
func (a *Agent) decorate(_ string, m *message.Message) {
	m.SetMeta(message.MetaAgentVersion, config.Version)
	m.SetMeta(message.MetaServerID, a.cfg.ServerID)
	m.SetMeta(message.MetaTimestamp, message.Timestamp(time.Now()))
}

// ReportOperation sends the outcome of a notifying operation to the
// control plane.
func (a *Agent) ReportOperation(ctx context.Context, info operation.Info) {
	body := message.Body{
		"id":     info.ID,
		"name":   info.Name,
		"status": string(info.State),
	}
	if info.Error != "" {
		body["error"] = info.Error
	}
	if info.Result != nil {
		body["result"] = info.Result
	}
	m := a.messaging.NewMessage(message.OperationResult, body, false)
	if err := a.messaging.Send(ctx, message.QueueLog, m); err != nil {
		a.logger.Warn("failed to report operation result", "operation", info.Name, "err", err)
	}
}

// fail reports a fatal error; Run returns it.
func (a *Agent) fail(err error) {
	select {
	case a.fatal <- err:
	default:
	}
}

// Run starts messaging, the control API and the lifecycle, and blocks
// until ctx is cancelled or a fatal error occurs.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.executor.Start(ctx); err != nil {
		a.logger.Warn("failed to restore running scripts", "err", err)
	}
	if err := a.messaging.Consumer().Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.messaging.Consumer().Serve)
	g.Go(a.api.Run)
	g.Go(func() error { return a.rotator.Run(gctx) })

	if err := a.lifecycle.Start(ctx); err != nil {
		a.logger.Error("lifecycle start failed", "err", err)
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.logger.Debug("sd_notify failed", "err", err)
	}
	a.logger.Info("agent ready",
		"version", config.Version,
		"server_id", a.cfg.ServerID,
		"local_ip", a.messaging.LocalIP(),
		"consumer_port", a.cfg.ConsumerPort,
		"api_port", a.cfg.APIPort,
	)

	var fatal error
	select {
	case <-gctx.Done():
		a.logger.Info("shutting down agent")
	case fatal = <-a.fatal:
		a.logger.Error("fatal error, shutting down", "err", fatal)
	}
	cancel()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.shutdown()

	err := g.Wait()
	if fatal != nil {
		return fatal
	}
	return err
}

func (a *Agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.executor.Shutdown()

	if err := a.messaging.Consumer().Shutdown(ctx, true); err != nil {
		a.logger.Error("consumer shutdown error", "err", err)
	}
	if err := a.api.Shutdown(ctx); err != nil {
		a.logger.Error("control API shutdown error", "err", err)
	}

	// scripts keep running in their own process groups and are reattached
	// on the next start
	waitCtx, waitCancel := context.WithTimeout(ctx, time.Second)
	defer waitCancel()
	if err := a.engine.Wait(waitCtx); err != nil {
		a.logger.Info("leaving operations running", "in_progress", len(a.engine.InProgress()))
	}

	if err := a.messages.Close(); err != nil {
		a.logger.Error("message store close error", "err", err)
	}
	a.logger.Info("agent stopped")
}
