//go:build integration && linux

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/sandflow/internal/api"
	"github.com/p-arndt/sandflow/internal/auth"
	"github.com/p-arndt/sandflow/internal/gateway"
	"github.com/p-arndt/sandflow/internal/provider"
	"github.com/p-arndt/sandflow/internal/provider/local"
	"github.com/p-arndt/sandflow/internal/reaper"
	"github.com/p-arndt/sandflow/internal/session"
	"github.com/p-arndt/sandflow/internal/terminal"
	"github.com/p-arndt/sandflow/internal/testutil"
	"github.com/p-arndt/sandflow/internal/validator"
)

const (
	aliceKey = "sk-integration-alice"
	bobKey   = "sk-integration-bob"
)

func startTestServer(t *testing.T) string {
	t.Helper()

	cfg := testutil.TestConfig()
	cfg.Provider.Kind = "local"
	cfg.Provider.Local.RootDir = t.TempDir()
	logger := testutil.Logger()

	st := testutil.NewTestStore(t)
	prov, err := local.New(cfg.Provider.Local)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	mgr := session.NewManager(cfg, st, prov, logger, nil, nil)
	terms := terminal.NewManager(cfg.Terminal, prov, logger, nil)
	mgr.AddDestroyListener(terms)

	v := validator.New(nil)
	gw, err := gateway.New(prov, mgr, v, cfg, logger, nil, nil)
	require.NoError(t, err)

	authn, err := auth.NewTokenAuthenticator(map[string]string{aliceKey: "alice", bobKey: "bob"})
	require.NoError(t, err)

	rpr := reaper.New(st, prov, 5*time.Second, logger)
	rpr.SetSessionManager(mgr)
	go rpr.Run(ctx)

	srv := api.NewServer(api.Deps{
		Sessions:     mgr,
		Commands:     gw,
		Validator:    v,
		Terminals:    terms,
		Auth:         authn,
		Capabilities: provider.Capabilities{Provider: prov.Name()},
	}, logger)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpServer := &http.Server{Handler: srv.Handler()}
	go httpServer.Serve(listener)

	t.Cleanup(func() {
		cancel()
		httpServer.Close()
		terms.CloseAll()
		prov.Close()
	})
	return fmt.Sprintf("http://%s", listener.Addr().String())
}

type testClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newTestClient(baseURL, apiKey string) *testClient {
	return &testClient{baseURL: baseURL, apiKey: apiKey, client: &http.Client{}}
}

func (c *testClient) doRequest(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	require.NoError(t, err)
	return resp
}

func (c *testClient) createSession(t *testing.T) map[string]any {
	t.Helper()
	resp := c.doRequest(t, "POST", "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "failed to create session")
	return decodeResponse(t, resp)
}

func (c *testClient) exec(t *testing.T, sessionID, cmd string) (int, map[string]any) {
	t.Helper()
	resp := c.doRequest(t, "POST", fmt.Sprintf("/v1/sessions/%s/exec", sessionID), map[string]any{
		"command": cmd,
	})
	return resp.StatusCode, decodeResponse(t, resp)
}

func decodeResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func TestE2E_AuthRequired(t *testing.T) {
	baseURL := startTestServer(t)

	resp := newTestClient(baseURL, "").doRequest(t, "GET", "/v1/sessions/current", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = newTestClient(baseURL, "wrong-key").doRequest(t, "GET", "/v1/sessions/current", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = newTestClient(baseURL, "").doRequest(t, "GET", "/healthz", nil)
	health := decodeResponse(t, resp)
	assert.Equal(t, "ok", health["status"])
}

func TestE2E_SessionLifecycle(t *testing.T) {
	baseURL := startTestServer(t)
	alice := newTestClient(baseURL, aliceKey)
	bob := newTestClient(baseURL, bobKey)

	sess := alice.createSession(t)
	id := sess["session_id"].(string)
	assert.Equal(t, "active", sess["status"])

	again := alice.createSession(t)
	assert.Equal(t, id, again["session_id"], "one live session per user")

	code, res := alice.exec(t, id, "  echo   hello ")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello\n", res["stdout"])
	assert.Equal(t, float64(0), res["exit_code"])

	code, res = alice.exec(t, id, "false")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), res["exit_code"])

	code, res = alice.exec(t, id, "ls && pwd")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", res["error_code"])

	code, _ = bob.exec(t, id, "ls")
	assert.Equal(t, http.StatusForbidden, code)

	resp := alice.doRequest(t, "DELETE", "/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	code, _ = alice.exec(t, id, "ls")
	assert.Equal(t, http.StatusNotFound, code)

	fresh := alice.createSession(t)
	assert.NotEqual(t, id, fresh["session_id"])
}

func TestE2E_TerminalWebSocket(t *testing.T) {
	baseURL := startTestServer(t)
	alice := newTestClient(baseURL, aliceKey)
	id := alice.createSession(t)["session_id"].(string)

	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/v1/sessions/" + id + "/terminal/ws?cols=100&rows=30"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + aliceKey}})
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("echo marker-$((40+2))\n")))

	var out strings.Builder
	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(out.String(), "marker-42") {
		require.True(t, time.Now().Before(deadline), "no terminal output, got %q", out.String())
		conn.SetReadDeadline(deadline)
		typ, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if typ == websocket.BinaryMessage {
			out.Write(data)
		}
	}

	resp2 := alice.doRequest(t, "GET", "/v1/sessions/"+id+"/terminal", nil)
	info := decodeResponse(t, resp2)
	assert.Equal(t, float64(100), info["cols"])
}
