// Package terminal manages interactive terminals attached to sandbox
// sessions. Each session has at most one open terminal; its output is fanned
// out to subscribers and kept in a scrollback buffer for late joiners.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/p-arndt/sandflow/internal/config"
	"github.com/p-arndt/sandflow/internal/errdefs"
	"github.com/p-arndt/sandflow/internal/keylock"
	"github.com/p-arndt/sandflow/internal/metrics"
	"github.com/p-arndt/sandflow/internal/provider"
	"github.com/p-arndt/sandflow/internal/session"
)

type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

const (
	readBufferSize   = 32 * 1024
	subscriberBuffer = 256

	// destroyedTTL is how long a destroyed session stays refused, covering
	// attaches that raced the destroy with a stale session snapshot.
	destroyedTTL = 10 * time.Minute
)

type Info struct {
	SessionID string    `json:"session_id"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	Status    Status    `json:"status"`
	OpenedAt  time.Time `json:"opened_at"`
}

// PTYOpener is the part of a sandbox provider terminals need.
type PTYOpener interface {
	OpenPTY(ctx context.Context, sandboxID string, cols, rows int) (provider.PTY, error)
}

type terminal struct {
	sessionID string
	pty       provider.PTY
	openedAt  time.Time

	mu         sync.Mutex
	cols, rows int
	status     Status
	scrollback *ringBuffer
	subs       map[int]chan []byte
	nextSub    int

	closeOnce sync.Once
}

func (t *terminal) info() *Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &Info{
		SessionID: t.sessionID,
		Cols:      t.cols,
		Rows:      t.rows,
		Status:    t.status,
		OpenedAt:  t.openedAt,
	}
}

type Manager struct {
	cfg     config.TerminalConfig
	opener  PTYOpener
	logger  *slog.Logger
	metrics *metrics.Collector

	// locks serializes attach, input, resize and kill per session.
	locks *keylock.Map

	mu        sync.Mutex
	terms     map[string]*terminal
	destroyed map[string]time.Time
}

func NewManager(cfg config.TerminalConfig, opener PTYOpener, logger *slog.Logger, mc *metrics.Collector) *Manager {
	if cfg.DefaultCols <= 0 {
		cfg.DefaultCols = 80
	}
	if cfg.DefaultRows <= 0 {
		cfg.DefaultRows = 24
	}
	if cfg.MaxCols <= 0 {
		cfg.MaxCols = 1000
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 1000
	}
	return &Manager{
		cfg:     cfg,
		opener:  opener,
		logger:  logger,
		metrics: mc,
		locks:   keylock.New(),
		terms:   make(map[string]*terminal),

		destroyed: make(map[string]time.Time),
	}
}

func (m *Manager) lookup(sessionID string) *terminal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terms[sessionID]
}

func notOpen(sessionID string) error {
	return fmt.Errorf("%w: no open terminal for session %s", errdefs.ErrNotFound, sessionID)
}

func (m *Manager) checkGeometry(cols, rows int) error {
	if cols < 1 || cols > m.cfg.MaxCols {
		return errdefs.Invalid("cols", fmt.Sprintf("must be between 1 and %d", m.cfg.MaxCols))
	}
	if rows < 1 || rows > m.cfg.MaxRows {
		return errdefs.Invalid("rows", fmt.Sprintf("must be between 1 and %d", m.cfg.MaxRows))
	}
	return nil
}

// Attach opens a terminal for sess, or returns the one already open.
// Zero cols or rows select the configured defaults.
func (m *Manager) Attach(ctx context.Context, sess *session.Session, cols, rows int) (*Info, error) {
	if !sess.Active() {
		return nil, fmt.Errorf("%w: session is not active", errdefs.ErrNotFound)
	}
	if cols == 0 {
		cols = m.cfg.DefaultCols
	}
	if rows == 0 {
		rows = m.cfg.DefaultRows
	}
	if err := m.checkGeometry(cols, rows); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(sess.ID)
	defer unlock()

	if m.isDestroyed(sess.ID) {
		return nil, fmt.Errorf("%w: session is not active", errdefs.ErrNotFound)
	}
	if t := m.lookup(sess.ID); t != nil {
		return t.info(), nil
	}

	pty, err := m.opener.OpenPTY(ctx, sess.SandboxID, cols, rows)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: opening terminal", errdefs.ErrTimeout)
		}
		m.logger.Error("open terminal", "session_id", sess.ID, "sandbox_id", sess.SandboxID, "error", err)
		return nil, fmt.Errorf("%w: opening terminal: %w", errdefs.ErrProvisioning, err)
	}

	t := &terminal{
		sessionID:  sess.ID,
		pty:        pty,
		openedAt:   time.Now().UTC(),
		cols:       cols,
		rows:       rows,
		status:     StatusOpen,
		scrollback: newRingBuffer(m.cfg.ScrollbackBytes()),
		subs:       make(map[int]chan []byte),
	}

	m.mu.Lock()
	m.terms[sess.ID] = t
	m.mu.Unlock()

	m.metrics.TerminalOpened()
	m.logger.Info("terminal opened", "session_id", sess.ID, "cols", cols, "rows", rows)

	go m.pump(t)
	return t.info(), nil
}

// pump copies PTY output to subscribers until the PTY fails or closes.
func (m *Manager) pump(t *terminal) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.broadcast(chunk)
		}
		if err != nil {
			m.close(t, "pty: "+err.Error())
			return
		}
	}
}

func (t *terminal) broadcast(chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusOpen {
		return
	}
	t.scrollback.Write(chunk)
	for id, ch := range t.subs {
		select {
		case ch <- chunk:
		default:
			// Too slow; drop it rather than stall the terminal.
			close(ch)
			delete(t.subs, id)
		}
	}
}

// close releases the PTY, ends every subscription and forgets t.
func (m *Manager) close(t *terminal, reason string) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.status = StatusClosed
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		t.mu.Unlock()

		if err := t.pty.Close(); err != nil {
			m.logger.Debug("close pty", "session_id", t.sessionID, "error", err)
		}

		m.mu.Lock()
		if m.terms[t.sessionID] == t {
			delete(m.terms, t.sessionID)
		}
		m.mu.Unlock()

		m.metrics.TerminalClosed()
		m.logger.Info("terminal closed", "session_id", t.sessionID, "reason", reason)
	})
}

// SendInput writes data to the session's terminal. Calls for one session
// reach the PTY in the order they were made.
func (m *Manager) SendInput(sessionID string, data []byte) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	t := m.lookup(sessionID)
	if t == nil {
		return notOpen(sessionID)
	}
	if _, err := t.pty.Write(data); err != nil {
		m.close(t, "write: "+err.Error())
		return fmt.Errorf("%w: terminal write: %w", errdefs.ErrProvisioning, err)
	}
	return nil
}

// Resize changes the terminal geometry. Bounds are checked before anything
// else is looked at.
func (m *Manager) Resize(sessionID string, cols, rows int) error {
	if err := m.checkGeometry(cols, rows); err != nil {
		return err
	}

	unlock := m.locks.Lock(sessionID)
	defer unlock()

	t := m.lookup(sessionID)
	if t == nil {
		return notOpen(sessionID)
	}
	if err := t.pty.Resize(cols, rows); err != nil {
		m.logger.Warn("resize terminal", "session_id", sessionID, "error", err)
		return fmt.Errorf("%w: terminal resize: %w", errdefs.ErrProvisioning, err)
	}

	t.mu.Lock()
	t.cols, t.rows = cols, rows
	t.mu.Unlock()
	return nil
}

// Kill closes the session's terminal. Killing a terminal that is not open
// succeeds.
func (m *Manager) Kill(sessionID string) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	if t := m.lookup(sessionID); t != nil {
		m.close(t, "killed")
	}
	return nil
}

func (m *Manager) Get(sessionID string) (*Info, error) {
	t := m.lookup(sessionID)
	if t == nil {
		return nil, notOpen(sessionID)
	}
	return t.info(), nil
}

// Subscribe returns a channel of terminal output, starting with the
// scrollback. The channel is closed when the terminal closes or the
// subscriber falls too far behind; cancel releases it early.
func (m *Manager) Subscribe(sessionID string) (<-chan []byte, func(), error) {
	t := m.lookup(sessionID)
	if t == nil {
		return nil, nil, notOpen(sessionID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusOpen {
		return nil, nil, notOpen(sessionID)
	}

	ch := make(chan []byte, subscriberBuffer)
	if replay := t.scrollback.Snapshot(); len(replay) > 0 {
		ch <- replay
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			close(c)
			delete(t.subs, id)
		}
	}
	return ch, cancel, nil
}

// SessionDestroyed closes the terminal of a destroyed session and refuses
// later attaches to it.
func (m *Manager) SessionDestroyed(sessionID string) {
	now := time.Now()
	m.mu.Lock()
	for id, at := range m.destroyed {
		if now.Sub(at) > destroyedTTL {
			delete(m.destroyed, id)
		}
	}
	m.destroyed[sessionID] = now
	m.mu.Unlock()

	m.Kill(sessionID)
}

func (m *Manager) isDestroyed(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.destroyed[sessionID]
	return ok
}

// CloseAll closes every open terminal, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*terminal, 0, len(m.terms))
	for _, t := range m.terms {
		all = append(all, t)
	}
	m.mu.Unlock()

	for _, t := range all {
		m.close(t, "shutdown")
	}
}

// Count reports the number of open terminals.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.terms)
}
