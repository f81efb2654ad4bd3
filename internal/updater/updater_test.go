package updater

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qudata/fleet-agent/internal/domain"
	"github.com/qudata/fleet-agent/internal/operation"
	"github.com/qudata/fleet-agent/internal/storage"
)

func newTestUpdater(t *testing.T, command, version string) (*Updater, *storage.Store, *operation.Engine) {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := operation.NewEngine(2, logger)
	return New(command, version, engine, store, logger), store, engine
}

func TestUpdateSucceeds(t *testing.T) {
	u, store, _ := newTestUpdater(t, `test "$FLEET_AGENT_VERSION" = 1.0.0`, "1.0.0")

	op, err := u.Update(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, operation.StateCompleted, op.State())
	assert.True(t, store.HasFlag(domain.FlagUpdate))

	st, err := u.Status()
	require.NoError(t, err)
	assert.Equal(t, StateDone, st.State)
	assert.Equal(t, StateInstall, st.PrevState)
}

func TestUpdateFailureIsRecorded(t *testing.T) {
	u, store, _ := newTestUpdater(t, "echo broken >&2; exit 3", "1.0.0")

	op, err := u.Update(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, operation.StateFailed, op.State())
	assert.False(t, store.HasFlag(domain.FlagUpdate))

	st, err := u.Status()
	require.NoError(t, err)
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.Error, "exit status 3")
}

func TestUpdateDeniedWhileBusy(t *testing.T) {
	u, _, engine := newTestUpdater(t, "true", "1.0.0")

	release := make(chan struct{})
	_, err := engine.Run(context.Background(), "script.deploy", func(context.Context, *operation.Operation) (any, error) {
		<-release
		return nil, nil
	}, operation.Async())
	require.NoError(t, err)

	_, err = u.Update(context.Background(), true)
	var denied domain.ErrUpdateDenied
	require.True(t, errors.As(err, &denied))
	assert.Contains(t, denied.Reason, "script.deploy")

	close(release)
	require.NoError(t, engine.Wait(context.Background()))

	op, err := u.Update(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, op.Wait(context.Background()))
}

func TestUpdateWithoutCommandIsDenied(t *testing.T) {
	u, _, _ := newTestUpdater(t, "", "1.0.0")
	_, err := u.Update(context.Background(), false)
	var denied domain.ErrUpdateDenied
	assert.True(t, errors.As(err, &denied))
}

func TestStatusDefaultsToNoop(t *testing.T) {
	u, _, _ := newTestUpdater(t, "true", "1.0.0")
	st, err := u.Status()
	require.NoError(t, err)
	assert.Equal(t, StateNoop, st.State)
}

func TestCheckStartAfterUpdate(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := operation.NewEngine(1, logger)

	first := New("true", "1.0.0", engine, store, logger)
	after, err := first.CheckStartAfterUpdate()
	require.NoError(t, err)
	assert.False(t, after)

	again, err := first.CheckStartAfterUpdate()
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, store.SetFlag(domain.FlagUpdate))
	upgraded := New("true", "1.1.0", engine, store, logger)
	after, err = upgraded.CheckStartAfterUpdate()
	require.NoError(t, err)
	assert.True(t, after)
	assert.False(t, store.HasFlag(domain.FlagUpdate))

	var recorded bool
	_, err = store.Get(storage.KeyStartAfterUpdate, &recorded)
	require.NoError(t, err)
	assert.True(t, recorded)
}
