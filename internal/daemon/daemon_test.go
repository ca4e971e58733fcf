package daemon

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/matheus3301/wsync/internal/api"
	"github.com/matheus3301/wsync/internal/lock"
	"github.com/matheus3301/wsync/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func shortRoot(t *testing.T) string {
	t.Helper()
	// Use /tmp to stay under the unix socket path limit.
	dir, err := os.MkdirTemp("/tmp", "wsync-d-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// TestFxModuleWiring verifies the dependency graph resolves and the daemon
// answers on its socket.
func TestFxModuleWiring(t *testing.T) {
	root := shortRoot(t)
	app := fxtest.New(t, fx.NopLogger, Module(Params{Root: root}))
	app.RequireStart()
	defer app.RequireStop()

	l := session.Layout{Root: root}
	assert.FileExists(t, l.SocketPath())
	info, err := os.Stat(l.SocketPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	c, err := api.Dial(l.SocketPath())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := c.Call(ctx, "Status", nil)
	require.NoError(t, err)
	assert.Equal(t, "", out["active"], "no account is selected on first run")
}

func TestSecondDaemonRefused(t *testing.T) {
	root := shortRoot(t)
	first := fxtest.New(t, fx.NopLogger, Module(Params{Root: root}))
	first.RequireStart()
	defer first.RequireStop()

	second := fx.New(fx.NopLogger, Module(Params{Root: root}))
	require.Error(t, second.Err())
	assert.Contains(t, second.Err().Error(), "lock held")
	assert.FileExists(t, session.Layout{Root: root}.SocketPath(), "first daemon keeps its socket")
}

func TestStopRemovesSocket(t *testing.T) {
	root := shortRoot(t)
	app := fxtest.New(t, fx.NopLogger, Module(Params{Root: root}))
	app.RequireStart()
	app.RequireStop()

	assert.NoFileExists(t, session.Layout{Root: root}.SocketPath())
	lk, err := lock.Acquire(root)
	require.NoError(t, err, "lock is released on stop")
	assert.NoError(t, lk.Release())
}
