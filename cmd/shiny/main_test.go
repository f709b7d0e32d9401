package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/shiny/internal/errors"
)

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd(&out, io.Discard)
	cmd.SetArgs([]string{"version", "--short"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "dev\n", out.String())

	out.Reset()
	cmd = newRootCmd(&out, io.Discard)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Go version:")
}

func TestServeBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shiny.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_sessions: lots\n"), 0o644))

	cmd := newRootCmd(io.Discard, io.Discard)
	cmd.SetArgs([]string{"serve", "--config", path})
	err := cmd.Execute()

	var d *errors.Diagnostic
	require.ErrorAs(t, err, &d)
	assert.Equal(t, "S101", d.Code)
}

func TestNewServerAppliesFlags(t *testing.T) {
	cmd := serveCmd()
	cmd.SetErr(io.Discard)

	srv, cfg, err := newServer(cmd, serveOptions{addr: "127.0.0.1:0", debug: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	assert.Equal(t, "127.0.0.1:0", cfg.Address)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "127.0.0.1:0", srv.Config().Address)
}

func TestRunServerServesDemoUntilCancelled(t *testing.T) {
	var out bytes.Buffer
	cmd := serveCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)

	srv, _, err := newServer(cmd, serveOptions{})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServer(ctx, cmd, srv, ln) }()

	url := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url + "/api/shiny/online")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(url + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `id="counter-1"`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Contains(t, out.String(), "Serving on http://")
}
