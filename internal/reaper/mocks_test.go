package reaper

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/sandflow/internal/provider"
	"github.com/p-arndt/sandflow/internal/store"
)

// MockReaperStore mocks the ReaperStore interface.
type MockReaperStore struct {
	mock.Mock
}

func (m *MockReaperStore) GetSession(id string) (*store.Session, error) {
	args := m.Called(id)
	if sess := args.Get(0); sess != nil {
		return sess.(*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) ListExpiredSessions() ([]*store.Session, error) {
	args := m.Called()
	if sessions := args.Get(0); sessions != nil {
		return sessions.([]*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) ListActiveSessions() ([]*store.Session, error) {
	args := m.Called()
	if sessions := args.Get(0); sessions != nil {
		return sessions.([]*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockReaperRuntime mocks the ReaperRuntime interface. It does not list
// sandboxes; see MockListingRuntime.
type MockReaperRuntime struct {
	mock.Mock
}

func (m *MockReaperRuntime) IsRunning(ctx context.Context, sandboxID string) (bool, error) {
	args := m.Called(ctx, sandboxID)
	return args.Bool(0), args.Error(1)
}

func (m *MockReaperRuntime) DestroyWorkspace(ctx context.Context, sandboxID string) error {
	args := m.Called(ctx, sandboxID)
	return args.Error(0)
}

// MockListingRuntime adds provider.Lister.
type MockListingRuntime struct {
	MockReaperRuntime
}

func (m *MockListingRuntime) ListSandboxes(ctx context.Context) ([]provider.SandboxInfo, error) {
	args := m.Called(ctx)
	if list := args.Get(0); list != nil {
		return list.([]provider.SandboxInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockSessionManager mocks the SessionManager interface.
type MockSessionManager struct {
	mock.Mock
}

func (m *MockSessionManager) Expire(ctx context.Context, sessionID string) (bool, error) {
	args := m.Called(ctx, sessionID)
	return args.Bool(0), args.Error(1)
}

func (m *MockSessionManager) Destroy(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}
