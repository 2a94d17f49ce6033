package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/halcyon-labs/ccbot/internal/runner"
)

// WebSocket message envelopes. The feed is read-mostly: the client watches
// a session's event stream and may ask to stop the in-flight turn.
type WSMessage struct {
	Type string `json:"type"`
}

type WSEventMsg struct {
	Type  string       `json:"type"`
	Event runner.Event `json:"event"`
}

type WSScrollbackMsg struct {
	Type   string         `json:"type"`
	Events []runner.Event `json:"events"`
}

// handleWebSocket streams a session's live events to the client, replaying
// the scrollback first so a reconnecting client catches up.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing session parameter")
		return
	}

	run, err := s.runners.Get(sessionID)
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(64 * 1024)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.logger.Info("websocket connected", "session", sessionID)

	ch, scrollback := run.Subscribe()
	defer run.Unsubscribe(ch)

	if len(scrollback) > 0 {
		if err := writeWS(ctx, conn, WSScrollbackMsg{Type: "scrollback", Events: scrollback}); err != nil {
			return
		}
	}

	go s.wsReadLoop(ctx, cancel, conn, run)
	go s.wsPingLoop(ctx, cancel, conn)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeWS(ctx, conn, WSEventMsg{Type: "event", Event: ev}); err != nil {
				return
			}
		}
	}
}

// wsPingLoop detects dead connections; mobile clients drop silently.
func (s *Server) wsPingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				s.logger.Debug("websocket ping failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) wsReadLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, run *runner.Runner) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("invalid ws message", "err", err)
			continue
		}

		switch msg.Type {
		case "stop":
			run.Interrupt(true)
		default:
			s.logger.Debug("unknown ws message type", "type", msg.Type)
		}
	}
}

func writeWS(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
