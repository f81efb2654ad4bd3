package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qudata/fleet-agent/internal/domain"
	"github.com/qudata/fleet-agent/internal/message"
	"github.com/qudata/fleet-agent/internal/operation"
	"github.com/qudata/fleet-agent/internal/security"
	"github.com/qudata/fleet-agent/internal/storage"
)

const localIP = "10.0.0.5"

type fakeMessenger struct {
	mu   sync.Mutex
	sent []*message.Message
	err  error
}

func (f *fakeMessenger) NewMessage(name string, body message.Body, broadcast bool) *message.Message {
	m := message.New(name, body)
	if broadcast {
		m.Body["local_ip"] = localIP
	}
	return m
}

func (f *fakeMessenger) Send(_ context.Context, _ string, m *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeMessenger) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		out = append(out, m.Name)
	}
	return out
}

func (f *fakeMessenger) find(name string) *message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.sent {
		if m.Name == name {
			return m
		}
	}
	return nil
}

type fakeSystem struct {
	mu       sync.Mutex
	hostname string
	sets     int
	reboots  int
}

func (s *fakeSystem) Hostname() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostname, nil
}

func (s *fakeSystem) SetHostname(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostname = name
	s.sets++
	return nil
}

func (s *fakeSystem) Reboot(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reboots++
	return nil
}

type fakeRoles struct{ strategy string }

func (r fakeRoles) ResumeStrategy(context.Context) (string, error) { return r.strategy, nil }

type fakePlatform struct {
	natErr   error
	detached []map[string]any
	natCalls int
}

func (p *fakePlatform) Name() string { return "fake" }

func (p *fakePlatform) ReleaseStaticNAT(context.Context) error {
	p.natCalls++
	return p.natErr
}

func (p *fakePlatform) DetachVolume(_ context.Context, v map[string]any) error {
	p.detached = append(p.detached, v)
	if v["id"] == "vol-bad" {
		return errors.New("detach failed")
	}
	return nil
}

type fakeIdentity struct {
	current bool
	resets  int
}

func (i *fakeIdentity) IdentityCurrent(context.Context) (bool, error) { return i.current, nil }
func (i *fakeIdentity) ResetIdentity(context.Context) error {
	i.resets++
	i.current = true
	return nil
}

type fixture struct {
	h         *Handler
	store     *storage.Store
	messenger *fakeMessenger
	system    *fakeSystem
	platform  *fakePlatform
	identity  *fakeIdentity
	bootID    string
	seedKey   string
	fatal     []error
}

func mustKey(t *testing.T) string {
	t.Helper()
	key, err := security.GenerateKey(security.DefaultKeySize)
	require.NoError(t, err)
	return key
}

func mustDecode(t *testing.T, key string) []byte {
	t.Helper()
	raw, err := security.DecodeKey(key)
	require.NoError(t, err)
	return raw
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	seed := mustKey(t)
	require.NoError(t, store.WriteKey(storage.DefaultKey, seed))

	f := &fixture{
		seedKey:   seed,
		store:     store,
		messenger: &fakeMessenger{},
		system:    &fakeSystem{hostname: "localhost"},
		platform:  &fakePlatform{},
		identity:  &fakeIdentity{current: true},
		bootID:    "A",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.h = New(Deps{
		Store:     store,
		Messenger: f.messenger,
		Engine:    operation.NewEngine(2, logger),
		System:    f.system,
		Roles:     fakeRoles{strategy: domain.ResumeReboot},
		Platform:  f.platform,
		Identity:  f.identity,
		BootID:    func() (string, error) { return f.bootID, nil },
		BootTime:  func() (time.Time, error) { return time.Now().Add(-time.Minute), nil },
		ServerID:  "srv-1",
		LocalIP:   localIP,
		Version:   "1.2.3",
		Fatal:     func(err error) { f.fatal = append(f.fatal, err) },
		Logger:    logger,
	})
	return f
}

func (f *fixture) state(t *testing.T) domain.AgentState {
	t.Helper()
	st, err := f.store.State()
	require.NoError(t, err)
	return st
}

func TestHandshake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var hostUps int
	f.h.Events().HostUp.Add(func(*message.Message) error { hostUps++; return nil })

	require.NoError(t, f.h.Start(ctx))
	assert.Equal(t, domain.StateInitializing, f.state(t))

	hostInit := f.messenger.find(message.HostInit)
	require.NotNil(t, hostInit)
	newKey := hostInit.Body.String("crypto_key")
	require.NotEmpty(t, newKey)
	stored, err := f.store.ReadKey(storage.DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, mustDecode(t, newKey), stored)

	farmKey := mustKey(t)
	hir := message.New(message.HostInitResponse, message.Body{
		"farm_crypto_key": farmKey,
		"base":            map[string]any{"hostname": "web-1"},
	})
	require.True(t, f.h.Accept(hir, message.QueueControl))
	require.NoError(t, f.h.Handle(ctx, hir))

	assert.Equal(t, domain.StateRunning, f.state(t))
	assert.False(t, f.store.HasFlag(domain.FlagHostInitResponse))
	assert.Equal(t, []string{message.HostInit, message.BeforeHostUp, message.HostUp}, f.messenger.names())
	assert.Equal(t, 1, hostUps)

	up := f.messenger.find(message.HostUp)
	assert.Equal(t, "web-1", up.Body.Section("base").String("hostname"))

	farm, err := f.store.ReadKey(storage.FarmKey)
	require.NoError(t, err)
	assert.Equal(t, mustDecode(t, farmKey), farm)

	// a late retry after the handshake is ignored
	require.NoError(t, f.h.Handle(ctx, message.New(message.HostInitResponse, nil)))
	assert.Len(t, f.messenger.names(), 3)
	assert.Empty(t, f.fatal)
}

func TestHostInitResponseInterruptedIsFatal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetState(domain.StateInitializing))
	require.NoError(t, f.store.SetFlag(domain.FlagHostInitResponse))

	err := f.h.Handle(context.Background(), message.New(message.HostInitResponse, message.Body{"farm_crypto_key": mustKey(t)}))
	assert.ErrorIs(t, err, domain.ErrHandshakeInterrupted)
	require.Len(t, f.fatal, 1)
	assert.ErrorIs(t, f.fatal[0], domain.ErrHandshakeInterrupted)
	assert.Nil(t, f.messenger.find(message.HostUp))
	assert.Equal(t, domain.StateInitializing, f.state(t))
}

func TestRebootFinishAfterRealReboot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetState(domain.StateRunning))
	require.NoError(t, f.store.Set(storage.KeyBootID, "A"))

	require.NoError(t, f.h.Handle(ctx, message.New(message.IntServerReboot, nil)))
	assert.True(t, f.store.HasFlag(domain.FlagReboot))
	assert.Equal(t, []string{message.RebootStart}, f.messenger.names())

	f.bootID = "B"
	require.NoError(t, f.h.Start(ctx))
	assert.False(t, f.store.HasFlag(domain.FlagReboot))
	assert.Equal(t, []string{message.RebootStart, message.RebootFinish}, f.messenger.names())
}

func TestRestartWithoutRebootKeepsFlag(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetState(domain.StateRunning))
	require.NoError(t, f.store.Set(storage.KeyBootID, "A"))
	require.NoError(t, f.store.SetFlag(domain.FlagReboot))

	require.NoError(t, f.h.Start(context.Background()))
	assert.True(t, f.store.HasFlag(domain.FlagReboot))
	assert.Empty(t, f.messenger.names())
	assert.Equal(t, domain.StateRunning, f.state(t))
}

func TestUnannouncedRebootIsDetected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetState(domain.StateRunning))
	require.NoError(t, f.store.Set(storage.KeyBootID, "A"))
	f.bootID = "B"

	require.NoError(t, f.h.Start(context.Background()))
	assert.False(t, f.store.HasFlag(domain.FlagReboot))
	assert.Equal(t, []string{message.RebootFinish}, f.messenger.names())
}

func TestHaltResumeWithInitStrategy(t *testing.T) {
	f := newFixture(t)
	f.h.Roles = fakeRoles{strategy: domain.ResumeInit}
	ctx := context.Background()
	require.NoError(t, f.store.SetState(domain.StateRunning))
	require.NoError(t, f.store.Set(storage.KeyBootID, "A"))

	require.NoError(t, f.h.Handle(ctx, message.New(message.IntServerHalt, nil)))
	assert.True(t, f.store.HasFlag(domain.FlagHalt))
	assert.Equal(t, []string{message.HostDown}, f.messenger.names())

	f.bootID = "B"
	require.NoError(t, f.h.Start(ctx))
	assert.False(t, f.store.HasFlag(domain.FlagHalt))
	assert.False(t, f.store.HasFlag(domain.FlagReboot))
	assert.Equal(t, []string{message.HostDown, message.HostInit}, f.messenger.names())
	assert.Equal(t, domain.StateInitializing, f.state(t))
}

func TestHaltResumeWithRebootStrategy(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetState(domain.StateRunning))
	require.NoError(t, f.store.Set(storage.KeyBootID, "A"))
	require.NoError(t, f.store.SetFlag(domain.FlagHalt))
	f.bootID = "B"

	require.NoError(t, f.h.Start(context.Background()))
	assert.Equal(t, []string{message.RebootFinish}, f.messenger.names())
	assert.Equal(t, domain.StateRunning, f.state(t))
}

type fakeUpdater struct{ updated bool }

func (u *fakeUpdater) Update(context.Context, bool) (*operation.Operation, error) { return nil, nil }

// CheckStartAfterUpdate reports an update once, like the version file does.
func (u *fakeUpdater) CheckStartAfterUpdate() (bool, error) {
	updated := u.updated
	u.updated = false
	return updated, nil
}

func TestUpdateReportedAfterResume(t *testing.T) {
	for _, tc := range []struct {
		name string
		flag domain.Flag
		want []string
	}{
		{"reboot", domain.FlagReboot, []string{message.RebootFinish, message.HostUpdate}},
		{"halt", domain.FlagHalt, []string{message.RebootFinish, message.HostUpdate}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.h.Updater = &fakeUpdater{updated: true}
			require.NoError(t, f.store.SetState(domain.StateRunning))
			require.NoError(t, f.store.Set(storage.KeyBootID, "A"))
			require.NoError(t, f.store.SetFlag(tc.flag))
			f.bootID = "B"

			require.NoError(t, f.h.Start(context.Background()))
			assert.Equal(t, tc.want, f.messenger.names())
			assert.Equal(t, "1.2.3", f.messenger.find(message.HostUpdate).Body.Section("agent").String("version"))
		})
	}

	// the handshake restarted, so there is no running host to report to yet
	f := newFixture(t)
	f.h.Roles = fakeRoles{strategy: domain.ResumeInit}
	f.h.Updater = &fakeUpdater{updated: true}
	require.NoError(t, f.store.SetState(domain.StateRunning))
	require.NoError(t, f.store.Set(storage.KeyBootID, "A"))
	require.NoError(t, f.store.SetFlag(domain.FlagHalt))
	f.bootID = "B"
	require.NoError(t, f.h.Start(context.Background()))
	assert.Equal(t, []string{message.HostInit}, f.messenger.names())
}

func TestRebundledImageRestartsHandshake(t *testing.T) {
	f := newFixture(t)
	f.identity.current = false
	require.NoError(t, f.store.SetState(domain.StateRunning))

	require.NoError(t, f.h.Start(context.Background()))
	assert.Equal(t, 1, f.identity.resets)
	assert.Equal(t, []string{message.HostInit}, f.messenger.names())
}

func TestImportSendsHello(t *testing.T) {
	f := newFixture(t)
	f.h.ImportServer = true

	require.NoError(t, f.h.Start(context.Background()))
	hello := f.messenger.find(message.Hello)
	require.NotNil(t, hello)
	assert.Equal(t, "srv-1", hello.Body.String("server_id"))
	assert.Equal(t, domain.StateImporting, f.state(t))
}

func TestBeforeHostTerminateIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.platform.natErr = errors.New("nat unavailable")
	ctx := context.Background()

	other := message.New(message.BeforeHostTerminate, message.Body{"local_ip": "10.9.9.9"})
	require.NoError(t, f.h.Handle(ctx, other))
	assert.Zero(t, f.platform.natCalls)

	m := message.New(message.BeforeHostTerminate, message.Body{
		"local_ip": localIP,
		"volumes": []any{
			map[string]any{"id": "vol-bad"},
			map[string]any{"id": "vol-ok"},
		},
	})
	require.NoError(t, f.h.Handle(ctx, m))
	assert.Equal(t, 1, f.platform.natCalls)
	assert.Len(t, f.platform.detached, 2)

	suspend := message.New(message.BeforeHostTerminate, message.Body{
		"local_ip": localIP,
		"suspend":  "1",
		"volumes":  []any{map[string]any{"id": "vol-x"}},
	})
	require.NoError(t, f.h.Handle(ctx, suspend))
	assert.Len(t, f.platform.detached, 2)
}

func TestHostnameAssignedOncePerHandshake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.h.Start(ctx))

	hi := message.New(message.HostInit, message.Body{
		"local_ip": localIP,
		"base":     map[string]any{"hostname": "db-1"},
	})
	require.NoError(t, f.h.Handle(ctx, hi))
	require.NoError(t, f.h.Handle(ctx, message.New(message.HostInitResponse, message.Body{
		"base": map[string]any{"hostname": "db-1"},
	})))
	assert.Equal(t, 1, f.system.sets)

	require.NoError(t, f.h.Reinit(ctx))
	require.NoError(t, f.h.Handle(ctx, hi))
	assert.Equal(t, 2, f.system.sets)
}

func TestHookFailuresAreNotFatal(t *testing.T) {
	f := newFixture(t)
	var after bool
	f.h.Events().BeforeHostInit.Add(func(*message.Message) error { return errors.New("hook failed") })
	f.h.Events().BeforeHostInit.Add(func(*message.Message) error { panic("hook panicked") })
	f.h.Events().BeforeHostInit.Add(func(m *message.Message) error {
		after = true
		m.Body["extra"] = "1"
		return nil
	})

	require.NoError(t, f.h.Start(context.Background()))
	assert.True(t, after)
	assert.Equal(t, "1", f.messenger.find(message.HostInit).Body.String("extra"))
}

func TestFailedHostInitKeepsState(t *testing.T) {
	f := newFixture(t)
	f.messenger.err = errors.New("control plane unreachable")

	require.Error(t, f.h.Start(context.Background()))
	assert.Equal(t, domain.StateBootstrapping, f.state(t))
	key, err := f.store.ReadKey(storage.DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, mustDecode(t, f.seedKey), key)
}
