package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamsocket/simple-artifact-server/internal/command"
	"github.com/jamsocket/simple-artifact-server/internal/errorpage"
	"github.com/jamsocket/simple-artifact-server/internal/logger"
	"github.com/jamsocket/simple-artifact-server/internal/proxyhandler"
	"github.com/jamsocket/simple-artifact-server/internal/supervisor"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// newTestServer spawns a supervisor wrapping a long-lived child, builds
// the full router, and returns an httptest.Server plus a teardown func.
func newTestServer(t *testing.T, childCmd string) (*httptest.Server, *supervisor.Supervisor, func()) {
	t.Helper()

	spec, err := command.Parse(childCmd)
	require.NoError(t, err)

	log := testLogger(t)
	sup := supervisor.New(spec, 19190, log, nil)

	render, err := errorpage.New()
	require.NoError(t, err)
	proxy := proxyhandler.New(sup, 19191, render, log)

	uploadsDir := t.TempDir()
	srv := New(sup, proxy, uploadsDir, log)

	ts := httptest.NewServer(srv.router)
	teardown := func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	}
	return ts, sup, teardown
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestStatus_Running(t *testing.T) {
	ts, sup, teardown := newTestServer(t, "sleep 30")
	defer teardown()

	require.True(t, waitFor(t, time.Second, sup.Running))

	resp, err := http.Get(ts.URL + "/_frag/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "Running.", string(body))
}

func TestRestart_RequiresWriteCapability(t *testing.T) {
	ts, _, teardown := newTestServer(t, "sleep 30")
	defer teardown()

	resp, err := http.Post(ts.URL+"/_frag/restart", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRestart_ReadOnlyRejected(t *testing.T) {
	ts, _, teardown := newTestServer(t, "sleep 30")
	defer teardown()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/_frag/restart", nil)
	require.NoError(t, err)
	req.Header.Set("x-verified-user-data", `{"read_only":true}`)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Read-only access")
}

func TestRestart_Admitted(t *testing.T) {
	ts, sup, teardown := newTestServer(t, "sleep 30")
	defer teardown()
	require.True(t, waitFor(t, time.Second, sup.Running))

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/_frag/restart", nil)
	require.NoError(t, err)
	req.Header.Set("x-verified-user-data", `{}`)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "Server restarting.", string(body))
}

func TestAwait_ReturnsImmediatelyWhenRunning(t *testing.T) {
	ts, sup, teardown := newTestServer(t, "sleep 30")
	defer teardown()
	require.True(t, waitFor(t, time.Second, sup.Running))

	client := http.Client{Timeout: time.Second}
	resp, err := client.Get(ts.URL + "/_frag/await")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUpload_WritesFileAndRestarts(t *testing.T) {
	ts, sup, teardown := newTestServer(t, "sleep 30")
	defer teardown()
	require.True(t, waitFor(t, time.Second, sup.Running))

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/_frag/upload/sub/dir/file.txt?restart=1", strings.NewReader("hello"))
	require.NoError(t, err)
	req.Header.Set("x-verified-user-data", `{}`)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "sub/dir/file.txt")
}
