// ABOUTME: Tests for gateway lifecycle, health endpoints and shared test helpers
// ABOUTME: Builds gateways on temp SQLite databases with fake providers

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/richatz/internal/config"
	"github.com/2389/richatz/internal/llm"
	"github.com/2389/richatz/internal/mail"
	"github.com/2389/richatz/internal/store"
)

const testSecret = "gateway-test-secret-0123456789abcdef"

// testConfig returns a config listening on a free local port with a temp database.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: addr},
		Database: config.DatabaseConfig{Driver: store.DialectSQLite, Path: filepath.Join(t.TempDir(), "richatz.db")},
		Auth:     config.AuthConfig{JWTSecret: testSecret},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeModel answers every prompt with reply, or fails with err.
type fakeModel struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	started chan struct{}
	release chan struct{}
}

func (m *fakeModel) Chat(ctx context.Context, history []llm.Turn, prompt string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.started != nil {
		m.started <- struct{}{}
		<-m.release
	}
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func (m *fakeModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// capturingMailer keeps every message it is asked to send.
type capturingMailer struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (m *capturingMailer) Send(ctx context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *capturingMailer) Last(t *testing.T) mail.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent, "no mail sent")
	return m.sent[len(m.sent)-1]
}

// newTestGateway builds a gateway and shuts it down when the test ends.
func newTestGateway(t *testing.T, cfg *config.Config, deps Deps) *Gateway {
	t.Helper()
	if deps.Mailer == nil {
		deps.Mailer = &capturingMailer{}
	}
	gw, err := NewWithDeps(cfg, deps, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw
}

// createVerifiedUser stores a verified account and returns its id and a bearer token.
func createVerifiedUser(t *testing.T, gw *Gateway, email string) (int64, string) {
	t.Helper()
	user := &store.User{Email: email, Name: "Test User", PasswordHash: "unused", IsVerified: true}
	require.NoError(t, gw.store.CreateUser(context.Background(), user))

	token, err := gw.verifier.Generate(user.ID, time.Hour)
	require.NoError(t, err)
	return user.ID, token
}

// doJSON sends a request through the gateway router.
func doJSON(t *testing.T, gw *Gateway, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestNewRejectsShortSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"

	_, err := NewWithDeps(cfg, Deps{Store: store.NewMockStore()}, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT verifier")
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	gw, err := NewWithDeps(cfg, Deps{Mailer: &capturingMailer{}}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down in time")
	}
}

func TestHealthEndpoint(t *testing.T) {
	cfg := testConfig(t)
	gw, err := NewWithDeps(cfg, Deps{Mailer: &capturingMailer{}}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()
	defer func() {
		cancel()
		<-errCh
	}()

	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("store reachable", func(t *testing.T) {
		gw := newTestGateway(t, testConfig(t), Deps{})

		rec := doJSON(t, gw, http.MethodGet, "/health/ready", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ready", rec.Body.String())
	})

	t.Run("store down", func(t *testing.T) {
		mock := store.NewMockStore()
		mock.ErrPing = store.ErrNotFound
		gw := newTestGateway(t, testConfig(t), Deps{Store: mock})

		rec := doJSON(t, gw, http.MethodGet, "/health/ready", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "store unavailable", rec.Body.String())
	})
}

func TestMetricsEndpoint(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		gw := newTestGateway(t, testConfig(t), Deps{})
		rec := doJSON(t, gw, http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("enabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Metrics.Enabled = true
		gw := newTestGateway(t, cfg, Deps{})

		doJSON(t, gw, http.MethodGet, "/health", "", nil)
		rec := doJSON(t, gw, http.MethodGet, "/metrics", "", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, `richatz_http_requests_total{method="GET",route="/health",status="200"} 1`)
		assert.Contains(t, body, "go_sql_open_connections")
	})
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	require.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-configured")
	require.NoError(t, err)
	assert.Equal(t, "tskey-configured", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/richatz")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/richatz", dir)

	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(dir, filepath.Join("richatz", "tailscale")))
}
