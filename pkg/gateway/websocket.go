package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tata/pkg/orchestrator"
	"github.com/harun/tata/pkg/stream"
	"golang.org/x/sync/errgroup"
)

const wsWriteWait = 10 * time.Second

// doneFrame ends the events of one turn on a websocket.
var doneFrame = map[string]string{"type": "done"}

// handleWebSocket streams turns over one connection. The client sends
// TurnInput JSON messages; every turn answers with its events followed by
// {"type":"done"}. A turn without a session id continues the session of the
// previous turn on the same connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBytes)

	// the request context ends with the hijacked handler
	g, ctx := errgroup.WithContext(context.WithoutCancel(r.Context()))
	inputs := make(chan orchestrator.TurnInput)

	g.Go(func() error {
		defer close(inputs)
		for {
			var input orchestrator.TurnInput
			if err := conn.ReadJSON(&input); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				return err
			}
			select {
			case inputs <- input:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	g.Go(func() error {
		lastSession := ""
		for input := range inputs {
			if input.SessionID == "" {
				input.SessionID = lastSession
			}

			events, err := s.runner.RunStream(ctx, input)
			if err != nil {
				if werr := s.writeFrame(conn, stream.NewEvent(stream.EventError, err.Error(), nil)); werr != nil {
					return werr
				}
			} else {
				for ev := range events {
					if sid, ok := ev.Metadata["session_id"].(string); ok && sid != "" {
						lastSession = sid
					}
					if err := s.writeFrame(conn, ev); err != nil {
						return err
					}
				}
			}
			if err := s.writeFrame(conn, doneFrame); err != nil {
				return err
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug().Err(err).Msg("Websocket closed")
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (s *Server) writeFrame(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}
