package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/sandflow/internal/auth"
	"github.com/p-arndt/sandflow/internal/errdefs"
	"github.com/p-arndt/sandflow/internal/metrics"
	"github.com/p-arndt/sandflow/internal/provider"
	"github.com/p-arndt/sandflow/internal/session"
	"github.com/p-arndt/sandflow/internal/testutil"
	"github.com/p-arndt/sandflow/internal/validator"
)

const aliceToken = "Bearer sk-alice"

type testDeps struct {
	sessions  *MockSessionService
	commands  *MockCommandService
	terminals *MockTerminalService
	agent     *fakeAgent
}

func testAuthenticator() auth.Authenticator {
	return auth.Func(func(r *http.Request) auth.Result {
		switch r.Header.Get("Authorization") {
		case aliceToken:
			return auth.Result{Success: true, UserID: "alice"}
		case "Bearer sk-bob":
			return auth.Result{Success: true, UserID: "bob"}
		}
		return auth.Result{Err: errdefs.ErrUnauthorized}
	})
}

func testAPIServer(t *testing.T) (*Server, *testDeps) {
	t.Helper()
	d := &testDeps{
		sessions:  &MockSessionService{},
		commands:  &MockCommandService{},
		terminals: &MockTerminalService{},
		agent:     &fakeAgent{},
	}
	s := NewServer(Deps{
		Sessions:     d.sessions,
		Commands:     d.commands,
		Validator:    validator.New(nil),
		Terminals:    d.terminals,
		Agent:        d.agent,
		Auth:         testAuthenticator(),
		Capabilities: provider.Capabilities{Provider: "local", Agent: true},
		Metrics:      metrics.New(),
	}, testutil.Logger())
	return s, d
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", aliceToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	testutil.DecodeJSON(t, rec, &apiErr)
	return apiErr
}

func aliceSession() *session.Session {
	now := time.Now().UTC()
	return &session.Session{
		ID:             "a1b2c3d4e5f6",
		SandboxID:      "local-a1b2c3d4e5f6",
		OwnerUserID:    "alice",
		Status:         session.StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(30 * time.Minute),
	}
}

func TestHealthz_NoAuth(t *testing.T) {
	s, _ := testAPIServer(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","capabilities":{"provider":"local","agent":true}}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := testAPIServer(t)

	// One request so the HTTP collectors have a sample.
	s.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sandflow_http_requests_total")
	assert.Contains(t, rec.Body.String(), `route="GET /healthz"`)
}

func TestAgentRouteAbsentWithoutAgent(t *testing.T) {
	s := NewServer(Deps{
		Sessions:  &MockSessionService{},
		Validator: validator.New(nil),
		Terminals: &MockTerminalService{},
		Auth:      testAuthenticator(),
	}, testutil.Logger())

	rec := do(s, "POST", "/v1/sessions/a1b2c3d4e5f6/agent", `{"message":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecWithoutProvider(t *testing.T) {
	sessions := &MockSessionService{}
	s := NewServer(Deps{
		Sessions:  sessions,
		Validator: validator.New(nil),
		Terminals: &MockTerminalService{},
		Auth:      testAuthenticator(),
	}, testutil.Logger())

	rec := do(s, "POST", "/v1/sessions/a1b2c3d4e5f6/exec", `{"command":"ls"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, ErrCodeProviderUnavailable, decodeError(t, rec).Code)
}
