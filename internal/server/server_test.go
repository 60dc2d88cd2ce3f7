package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bananajs/banana/internal/config"
	"github.com/bananajs/banana/internal/middleware"
	"github.com/bananajs/banana/internal/models"
	"github.com/bananajs/banana/internal/services"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// idleProcess never produces output; it only records that it was killed.
type idleProcess struct {
	output chan []byte
	done   chan struct{}
	once   sync.Once
}

func (p *idleProcess) Write([]byte) error          { return nil }
func (p *idleProcess) Resize(uint16, uint16) error { return nil }
func (p *idleProcess) Output() <-chan []byte       { return p.output }
func (p *idleProcess) Done() <-chan struct{}       { return p.done }
func (p *idleProcess) Pid() int                    { return 1 }

func (p *idleProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *idleProcess) Kill() error {
	p.once.Do(func() {
		close(p.output)
		close(p.done)
	})
	return nil
}

type idleSpawner struct{}

func (idleSpawner) Spawn(services.SpawnOptions) (services.Process, error) {
	return &idleProcess{output: make(chan []byte), done: make(chan struct{})}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dist"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dist", "index.html"), []byte("<h1>app</h1>"), 0o644))

	cfg := config.Defaults()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.ProjectDir = dir
	cfg.WorkspaceDir = dir
	cfg.StaticDir = filepath.Join(dir, "dist")
	cfg.Watch.Roots = []string{"src"}
	cfg.Metrics.IntervalMs = 20
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) (*Server, string) {
	t.Helper()
	srv, err := New(cfg, WithSpawner(idleSpawner{}))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv, ln.Addr().String()
}

func TestServer_HealthAndStatic(t *testing.T) {
	_, addr := startServer(t, testConfig(t))

	resp, err := http.Get("http://" + addr + "/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	resp2, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	defer resp2.Body.Close()
	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Equal(t, "<h1>app</h1>", string(body))
}

func TestServer_SessionReceivesMetricsAndUpdates(t *testing.T) {
	cfg := testConfig(t)
	srv, addr := startServer(t, cfg)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/v1/session", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.Registry().Count() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.ProjectDir, "src", "App.jsx"), []byte("x"), 0o644))

	var sawMetrics, sawUpdate bool
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for !sawMetrics || !sawUpdate {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		ev, err := models.ParseEvent(data)
		require.NoError(t, err)
		switch p := ev.Payload.(type) {
		case models.MetricsPayload:
			sawMetrics = true
			assert.Positive(t, p.Memory)
		case models.UpdatePayload:
			assert.Equal(t, "src/App.jsx", p.File)
			sawUpdate = true
		}
	}
}

func TestServer_AuthProtectsSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthSecret = "topsecret"
	_, addr := startServer(t, cfg)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/v1/session", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := middleware.GenerateToken("topsecret", "cli", time.Minute)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/v1/session?token="+token, nil)
	require.NoError(t, err)
	conn.Close()

	// Health stays open for probes.
	health, err := http.Get("http://" + addr + "/v1/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, 200, health.StatusCode)
}

func TestNew_InvalidBlockedPattern(t *testing.T) {
	cfg := testConfig(t)
	cfg.Terminal.BlockedPatterns = []string{"("}
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNew_RejectsNegativeTerminalSize(t *testing.T) {
	cfg := testConfig(t)
	cfg.Terminal.Cols = -1
	_, err := New(cfg, WithSpawner(idleSpawner{}))
	assert.ErrorContains(t, err, "terminal size")
}

func TestServer_StopIsIdempotent(t *testing.T) {
	srv, err := New(testConfig(t), WithSpawner(idleSpawner{}))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/v1/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}
