package session

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/sandflow/internal/provider"
)

type MockProvisioner struct {
	mock.Mock
}

func (m *MockProvisioner) CreateWorkspace(ctx context.Context, opts provider.CreateOpts) (*provider.Workspace, error) {
	args := m.Called(ctx, opts)
	if ws := args.Get(0); ws != nil {
		return ws.(*provider.Workspace), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProvisioner) DestroyWorkspace(ctx context.Context, sandboxID string) error {
	args := m.Called(ctx, sandboxID)
	return args.Error(0)
}

type recordingListener struct {
	mu  sync.Mutex
	ids []string
}

func (l *recordingListener) SessionDestroyed(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, sessionID)
}

func (l *recordingListener) destroyed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ids...)
}
