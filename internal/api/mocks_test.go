package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/sandflow/internal/agent"
	"github.com/p-arndt/sandflow/internal/gateway"
	"github.com/p-arndt/sandflow/internal/session"
	"github.com/p-arndt/sandflow/internal/terminal"
	"github.com/p-arndt/sandflow/protocol"
)

type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) GetOrCreate(ctx context.Context, userID string) (*session.Session, error) {
	args := m.Called(ctx, userID)
	if sess := args.Get(0); sess != nil {
		return sess.(*session.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) GetByUser(userID string) (*session.Session, error) {
	args := m.Called(userID)
	if sess := args.Get(0); sess != nil {
		return sess.(*session.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Authorize(userID, ref string) (*session.Session, error) {
	args := m.Called(userID, ref)
	if sess := args.Get(0); sess != nil {
		return sess.(*session.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Destroy(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

type MockCommandService struct {
	mock.Mock
}

func (m *MockCommandService) Run(ctx context.Context, userID, ref, command string, timeoutMs int) (*gateway.Result, error) {
	args := m.Called(ctx, userID, ref, command, timeoutMs)
	if res := args.Get(0); res != nil {
		return res.(*gateway.Result), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockTerminalService struct {
	mock.Mock
}

func (m *MockTerminalService) Attach(ctx context.Context, sess *session.Session, cols, rows int) (*terminal.Info, error) {
	args := m.Called(ctx, sess, cols, rows)
	if info := args.Get(0); info != nil {
		return info.(*terminal.Info), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTerminalService) Get(sessionID string) (*terminal.Info, error) {
	args := m.Called(sessionID)
	if info := args.Get(0); info != nil {
		return info.(*terminal.Info), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTerminalService) SendInput(sessionID string, data []byte) error {
	args := m.Called(sessionID, data)
	return args.Error(0)
}

func (m *MockTerminalService) Resize(sessionID string, cols, rows int) error {
	args := m.Called(sessionID, cols, rows)
	return args.Error(0)
}

func (m *MockTerminalService) Kill(sessionID string) error {
	args := m.Called(sessionID)
	return args.Error(0)
}

func (m *MockTerminalService) Subscribe(sessionID string) (<-chan []byte, func(), error) {
	args := m.Called(sessionID)
	if ch := args.Get(0); ch != nil {
		return ch.(<-chan []byte), args.Get(1).(func()), args.Error(2)
	}
	return nil, nil, args.Error(2)
}

// fakeAgent replays a fixed event list and records the request it got.
type fakeAgent struct {
	events []protocol.Event
	got    chan agent.Request
}

func (f *fakeAgent) Run(ctx context.Context, req agent.Request) <-chan protocol.Event {
	ch := make(chan protocol.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	if f.got != nil {
		f.got <- req
	}
	return ch
}
