package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/p-arndt/sandflow/internal/errdefs"
	"github.com/p-arndt/sandflow/protocol"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	maxFrameBytes = maxInputBytes + 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 32 * 1024,
}

// wsConn bridges one WebSocket to a terminal. Only writePump writes to the
// connection; readPump hands it control frames through frames.
type wsConn struct {
	server    *Server
	conn      *websocket.Conn
	sessionID string
	output    <-chan []byte
	frames    chan protocol.TerminalFrame
	done      chan struct{}
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errdefs.Invalid(key, "must be an integer")
	}
	return n, nil
}

// handleTerminalWS attaches (opening the terminal if needed) and streams it
// over a WebSocket. Output starts with the scrollback.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	cols, err := queryInt(r, "cols")
	if err != nil {
		writeAPIError(w, err)
		return
	}
	rows, err := queryInt(r, "rows")
	if err != nil {
		writeAPIError(w, err)
		return
	}
	sess, ok := s.authorize(w, r)
	if !ok {
		return
	}
	if _, err := s.terminals.Attach(r.Context(), sess, cols, rows); err != nil {
		writeAPIError(w, err)
		return
	}
	output, cancel, err := s.terminals.Subscribe(sess.ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		s.logger.Warn("websocket upgrade", "session_id", sess.ID, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	c := &wsConn{
		server:    s,
		conn:      conn,
		sessionID: sess.ID,
		output:    output,
		frames:    make(chan protocol.TerminalFrame, 8),
		done:      make(chan struct{}),
	}
	s.logger.Debug("terminal websocket attached", "session_id", sess.ID)

	go func() {
		c.readPump()
		cancel()
	}()
	c.writePump()
}

func (c *wsConn) readPump() {
	defer close(c.done)

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		kind, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("websocket read", "session_id", c.sessionID, "error", err)
			}
			return
		}

		if kind == websocket.BinaryMessage {
			c.handleInput(message)
			continue
		}

		var frame protocol.TerminalFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.reply(protocol.TerminalFrame{Type: protocol.FrameError, Message: "invalid frame"})
			continue
		}
		switch frame.Type {
		case protocol.FrameInput:
			c.handleInput([]byte(frame.Data))
		case protocol.FrameResize:
			if err := c.server.terminals.Resize(c.sessionID, frame.Cols, frame.Rows); err != nil {
				c.reply(errorFrame(err))
			}
		default:
			c.reply(protocol.TerminalFrame{Type: protocol.FrameError, Message: "unknown frame type"})
		}
	}
}

func (c *wsConn) handleInput(data []byte) {
	if len(data) == 0 {
		return
	}
	if err := c.server.terminals.SendInput(c.sessionID, data); err != nil {
		c.reply(errorFrame(err))
	}
}

// reply queues a control frame, dropping it if the writer is backed up.
func (c *wsConn) reply(f protocol.TerminalFrame) {
	select {
	case c.frames <- f:
	default:
	}
}

func errorFrame(err error) protocol.TerminalFrame {
	_, apiErr := toAPIError(err)
	if errors.Is(err, errdefs.ErrValidation) || errors.Is(err, errdefs.ErrNotFound) {
		return protocol.TerminalFrame{Type: protocol.FrameError, Message: apiErr.Message}
	}
	return protocol.TerminalFrame{Type: protocol.FrameError, Message: apiErr.Code}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case chunk, ok := <-c.output:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				// Terminal closed or this subscriber fell behind.
				c.conn.WriteJSON(protocol.TerminalFrame{Type: protocol.FrameExit})
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminal closed"))
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}

		case f := <-c.frames:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
