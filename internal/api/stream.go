package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"codepod/pkg/codepod"
)

// Stream message types sent to the client.
const (
	streamTypeStdout = "stdout"
	streamTypeStderr = "stderr"
	streamTypeExit   = "exit"
	streamTypeError  = "error"
)

type streamMessage struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// execStream upgrades the connection to a WebSocket, reads a single exec
// request from the client, and forwards output events as they arrive. The
// final frame carries the exit code; a normal close follows it.
func (s *Server) execStream(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	var req execRequest
	if err := ws.ReadJSON(&req); err != nil {
		_ = ws.WriteJSON(streamMessage{Type: streamTypeError, Error: "invalid exec request"})
		return
	}

	cmd := codepod.Shell(req.Command)
	if len(req.Argv) > 0 {
		cmd = codepod.Argv(req.Argv...)
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, err := s.pod.ExecCommandStream(ctx, id, cmd, codepod.ExecOptions{
		Cwd:     req.Cwd,
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		_ = ws.WriteJSON(streamMessage{Type: streamTypeError, Error: err.Error()})
		return
	}

	// Cancel the exec when the client goes away. Any further reads also
	// drain control frames so pings keep working.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range events {
		var msg streamMessage
		switch ev.Kind {
		case codepod.StreamStdout:
			msg = streamMessage{Type: streamTypeStdout, Data: string(ev.Data)}
		case codepod.StreamStderr:
			msg = streamMessage{Type: streamTypeStderr, Data: string(ev.Data)}
		case codepod.StreamExit:
			code := ev.ExitCode
			msg = streamMessage{
				Type:      streamTypeExit,
				ExitCode:  &code,
				ElapsedMS: ev.Elapsed.Milliseconds(),
			}
		default:
			continue
		}
		if err := ws.WriteJSON(msg); err != nil {
			cancel()
			for range events {
			}
			return
		}
	}

	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}
