package terminal

import (
	"context"
	"io"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/sandflow/internal/provider"
)

type MockOpener struct {
	mock.Mock
}

func (m *MockOpener) OpenPTY(ctx context.Context, sandboxID string, cols, rows int) (provider.PTY, error) {
	args := m.Called(ctx, sandboxID, cols, rows)
	if p := args.Get(0); p != nil {
		return p.(provider.PTY), args.Error(1)
	}
	return nil, args.Error(1)
}

// fakePTY records input and lets tests push output through a pipe.
type fakePTY struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu       sync.Mutex
	written  []byte
	resizes  [][2]int
	closed   bool
	writeErr error
}

func newFakePTY() *fakePTY {
	r, w := io.Pipe()
	return &fakePTY{outR: r, outW: w}
}

func (p *fakePTY) Read(b []byte) (int, error) {
	return p.outR.Read(b)
}

func (p *fakePTY) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *fakePTY) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]int{cols, rows})
	return nil
}

func (p *fakePTY) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.outW.Close()
	return nil
}

// emit pushes output as if the shell had printed it.
func (p *fakePTY) emit(s string) {
	p.outW.Write([]byte(s))
}

func (p *fakePTY) input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.written)
}

func (p *fakePTY) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
