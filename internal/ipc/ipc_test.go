package ipc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxhub/pkg/protocol"
)

// socketPath stays short; unix socket paths are limited to about 100 bytes.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "vox")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "ctl.sock")
}

func TestCommandReachesHandler(t *testing.T) {
	var (
		mu  sync.Mutex
		got []protocol.Command
	)
	path := socketPath(t)
	srv, err := StartServer(context.Background(), path, "HUB", func(cmd protocol.Command) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, cmd)
		return nil
	})
	require.NoError(t, err)
	defer srv.Close()

	require.NoError(t, SendCommand(path, `make_call(destination="sip:100@pbx")`))
	require.NoError(t, SendCommand(path, "stop()"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, protocol.MakeCall{Destination: "sip:100@pbx"}, got[0].Body)
	assert.Equal(t, Source, got[0].Source)
	assert.Equal(t, "HUB", got[0].Target)
	assert.Equal(t, protocol.VerbStop, got[1].Verb)
}

func TestRefusedCommandsReportErrors(t *testing.T) {
	path := socketPath(t)
	srv, err := StartServer(context.Background(), path, "HUB", func(protocol.Command) error {
		return errors.New("busy")
	})
	require.NoError(t, err)
	defer srv.Close()

	err = SendCommand(path, "hangup()")
	require.Error(t, err)
	assert.Equal(t, "busy", err.Error())

	err = SendCommand(path, "hangup(")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parenthesis")
}

func TestServerStopsWithContext(t *testing.T) {
	path := socketPath(t)
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := StartServer(ctx, path, "HUB", func(protocol.Command) error { return nil })
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)
	assert.Error(t, SendCommand(path, "stop()"))
	assert.NoError(t, srv.Close())
}
