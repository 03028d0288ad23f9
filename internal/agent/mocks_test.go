package agent

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/sandflow/internal/gateway"
)

type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, userID, ref, command string, timeoutMs int) (*gateway.Result, error) {
	args := m.Called(ctx, userID, ref, command, timeoutMs)
	if res := args.Get(0); res != nil {
		return res.(*gateway.Result), args.Error(1)
	}
	return nil, args.Error(1)
}

// scriptedStep is one canned model turn: fragments are streamed, then the
// decision (or err) is returned.
type scriptedStep struct {
	fragments []string
	decision  *Decision
	err       error
	// block makes Decide wait for ctx to end.
	block bool
}

type scriptedDecider struct {
	mu       sync.Mutex
	steps    []scriptedStep
	requests []DecideRequest
}

func (d *scriptedDecider) Decide(ctx context.Context, req DecideRequest, emit func(string)) (*Decision, error) {
	d.mu.Lock()
	i := len(d.requests)
	d.requests = append(d.requests, DecideRequest{History: append([]Message(nil), req.History...), Tools: req.Tools})
	d.mu.Unlock()

	if i >= len(d.steps) {
		return &Decision{ToolCall: &ToolCall{Name: ToolListFiles}}, nil
	}
	step := d.steps[i]
	for _, f := range step.fragments {
		emit(f)
	}
	if step.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return step.decision, step.err
}

func (d *scriptedDecider) history(i int) []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[i].History
}

func (d *scriptedDecider) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}
