package gateway

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/sandflow/internal/provider"
	"github.com/p-arndt/sandflow/internal/session"
)

type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) ExecuteCommand(ctx context.Context, sandboxID, command string) (*provider.ExecOutput, error) {
	args := m.Called(ctx, sandboxID, command)
	if out := args.Get(0); out != nil {
		return out.(*provider.ExecOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockSessions struct {
	mock.Mock
}

func (m *MockSessions) Authorize(userID, ref string) (*session.Session, error) {
	args := m.Called(userID, ref)
	if sess := args.Get(0); sess != nil {
		return sess.(*session.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessions) Touch(sessionID string) error {
	args := m.Called(sessionID)
	return args.Error(0)
}
