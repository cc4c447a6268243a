package api

import (
	"context"
	"net/http"
	"time"

	"syncbridge/internal/events"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// handleLogStream replays the recent log entries and then follows new ones until the client goes away.
func (s *HTTPServer) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeError(w, http.StatusNotFound, "log stream disabled")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	// The channel arrives pre-loaded with the replay buffer.
	entries, unsubscribe := s.broker.Subscribe()
	defer unsubscribe()

	// The client never sends; CloseRead cancels ctx once it disconnects.
	ctx := conn.CloseRead(r.Context())

	if err := s.streamEntries(ctx, conn, entries); err != nil {
		s.logger.Debug().Err(err).Msg("Log stream closed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *HTTPServer) streamEntries(ctx context.Context, conn *websocket.Conn, entries <-chan events.Entry) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, entry)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
