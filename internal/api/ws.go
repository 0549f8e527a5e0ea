package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/craftplane/craftplane/internal/apierr"
	"github.com/craftplane/craftplane/internal/hub"
	"github.com/craftplane/craftplane/internal/progress"
	"github.com/craftplane/craftplane/internal/registry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxInboundBytes = 64 * 1024
	commandTimeout  = 10 * time.Second
)

const (
	frameBacklog = "backlog"
	frameLog     = "log"
	frameState   = "state"
	frameError   = "error"
	frameCommand = "command"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
	// REST already answers any origin; the sockets match it.
	CheckOrigin: func(*http.Request) bool { return true },
}

type backlogFrame struct {
	Type string        `json:"type"`
	Logs []hub.LogLine `json:"logs"`
}

type logFrame struct {
	Type string `json:"type"`
	hub.LogLine
}

type stateFrame struct {
	Type  string         `json:"type"`
	State registry.State `json:"state"`
}

type errorFrame struct {
	Type    string      `json:"type"`
	Kind    apierr.Kind `json:"kind"`
	Message string      `json:"message"`
}

type commandFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// consoleSocket streams one server's console: the ring backlog as the
// first frame, then live log and state frames. Inbound command frames are
// forwarded to the child's stdin.
func (s *Store) consoleSocket(c *gin.Context) {
	serverID := c.Param("id")

	// Unknown servers answer as plain HTTP before the upgrade.
	if _, err := s.engine.Registry.GetServer(c.Request.Context(), serverID); err != nil {
		s.sendError(c, err)

		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already answered the client.
		s.logger.Debug("console upgrade failed", zap.String("server_id", serverID), zap.Error(err))

		return
	}
	defer conn.Close()

	logsSub := s.engine.Hub.Subscribe(serverID, hub.TopicLogs)
	defer s.engine.Hub.Unsubscribe(serverID, hub.TopicLogs, logsSub.ID)
	stateSub := s.engine.Hub.Subscribe(serverID, hub.TopicState)
	defer s.engine.Hub.Unsubscribe(serverID, hub.TopicState, stateSub.ID)

	errFrames := make(chan errorFrame, 8)
	readerDone := make(chan struct{})
	go s.readCommands(conn, serverID, errFrames, readerDone)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event := <-logsSub.Events():
			var frame any
			switch event.Type {
			case hub.EventBacklog:
				logs := event.Logs
				if logs == nil {
					logs = []hub.LogLine{}
				}
				frame = backlogFrame{Type: frameBacklog, Logs: logs}
			case hub.EventLog:
				frame = logFrame{Type: frameLog, LogLine: *event.Log}
			default:
				continue
			}
			if err := writeJSON(conn, frame); err != nil {
				return
			}

		case event := <-stateSub.Events():
			if err := writeJSON(conn, stateFrame{Type: frameState, State: event.State}); err != nil {
				return
			}

		case frame := <-errFrames:
			if err := writeJSON(conn, frame); err != nil {
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case <-logsSub.Done():
			closeSocket(conn, logsSub.Reason())

			return
		case <-stateSub.Done():
			closeSocket(conn, stateSub.Reason())

			return
		case <-readerDone:
			return
		}
	}
}

// readCommands is the console socket's read pump. Command failures are
// answered as error frames through the writer; a read error of any kind
// means the client is gone.
func (s *Store) readCommands(conn *websocket.Conn, serverID string, errFrames chan<- errorFrame, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxInboundBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame commandFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != frameCommand {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		err := s.engine.SendCommand(ctx, serverID, frame.Text)
		cancel()
		if err != nil {
			pub := apierr.Public(err)
			select {
			case errFrames <- errorFrame{Type: frameError, Kind: pub.Kind, Message: pub.Message}:
			default:
				// Writer is saturated; the command error is droppable.
			}
		}
	}
}

// provisionSocket streams one provisioning session: progress frames until
// the terminal complete or error frame. An unknown or expired session is
// answered in-band as an error frame, then the socket closes.
func (s *Store) provisionSocket(c *gin.Context) {
	sessionID := c.Param("sessionId")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("provision upgrade failed", zap.String("session_id", sessionID), zap.Error(err))

		return
	}
	defer conn.Close()

	sub, err := s.engine.Progress.Subscribe(sessionID)
	if err != nil {
		pub := apierr.Public(err)
		_ = writeJSON(conn, errorFrame{Type: frameError, Kind: pub.Kind, Message: pub.Message})
		closeSocket(conn, string(pub.Kind))

		return
	}
	defer s.engine.Progress.Unsubscribe(sessionID, sub.ID)

	readerDone := make(chan struct{})
	go discardInbound(conn, readerDone)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event := <-sub.Events():
			if err := writeJSON(conn, event); err != nil {
				return
			}
			if terminalProgress(event) {
				closeSocket(conn, "")

				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case <-sub.Done():
			// The terminal event is queued before the drop; flush it.
			for {
				select {
				case event := <-sub.Events():
					if err := writeJSON(conn, event); err != nil {
						return
					}
					if terminalProgress(event) {
						closeSocket(conn, "")

						return
					}
				default:
					closeSocket(conn, sub.Reason())

					return
				}
			}

		case <-readerDone:
			return
		}
	}
}

func terminalProgress(event progress.Event) bool {
	return event.Type == progress.EventComplete || event.Type == progress.EventError
}

// discardInbound drains client frames so pings are answered and a
// disconnect is noticed; the provisioning stream has no inbound protocol.
func discardInbound(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxInboundBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func writeJSON(conn *websocket.Conn, frame any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

	return conn.WriteJSON(frame)
}

// closeSocket sends the close frame. A slow consumer drop closes with a
// policy violation so the client knows reconnecting will replay the ring.
func closeSocket(conn *websocket.Conn, reason string) {
	code := websocket.CloseNormalClosure
	if reason == hub.ReasonSlowConsumer {
		code = websocket.ClosePolicyViolation
	}

	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
