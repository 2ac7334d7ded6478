package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nctiggy/nwha/internal/event"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	outputBacklog  = 256
	maxClientFrame = 64 << 10
)

// Client message types.
const (
	MessageInput  = "input"
	MessageResize = "resize"
)

// ClientMessage is a frame sent by the browser terminal.
type ClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Sockets are authorized by user id, not origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// terminalSocket attaches a WebSocket to a session's terminal. Process
// output is sent as binary frames; client frames are ClientMessage JSON.
func (s *Server) terminalSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if _, err := s.sessions.GetSession(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session_id", id, "error", err.Error())
		return
	}
	defer conn.Close()
	logger := s.logger.WithSession(strconv.FormatInt(id, 10))

	output := make(chan []byte, outputBacklog)
	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }

	unsubscribe, err := s.sessions.OnTerminalOutput(r.Context(), id, func(data []byte) {
		select {
		case output <- data:
		case <-done:
		default:
			logger.Warn("terminal output dropped", "bytes", len(data))
		}
	})
	if err != nil {
		closeFrame(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}
	defer unsubscribe()

	if s.bus != nil {
		subID := s.bus.SubscribeSession(strconv.FormatInt(id, 10), func(e event.Event) {
			if e.EventType() == event.TypeSessionStopped {
				closeDone()
			}
		})
		defer s.bus.Unsubscribe(subID)
	}

	go s.readClient(conn, id, closeDone)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-output:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				closeDone()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				closeDone()
				return
			}
		case <-done:
			closeFrame(conn, websocket.CloseNormalClosure, "session ended")
			return
		}
	}
}

// readClient applies client frames until the connection fails.
func (s *Server) readClient(conn *websocket.Conn, id int64, closeDone func()) {
	defer closeDone()
	conn.SetReadLimit(maxClientFrame)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring malformed terminal frame", "session_id", id, "error", err.Error())
			continue
		}
		switch msg.Type {
		case MessageInput:
			err = s.sessions.WriteToSession(s.ctx, id, []byte(msg.Data))
		case MessageResize:
			err = s.sessions.ResizeSession(s.ctx, id, msg.Cols, msg.Rows)
		default:
			continue
		}
		if err != nil {
			s.logger.Debug("terminal frame rejected", "session_id", id, "type", msg.Type, "error", err.Error())
		}
	}
}

func closeFrame(conn *websocket.Conn, code int, text string) {
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}
