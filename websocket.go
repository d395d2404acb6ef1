package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"gregoryjjb/verdant/store"
)

const websocketBuffer = 64

// createWebsocketHandler streams every store change to the client as JSON,
// starting with a full snapshot.
func createWebsocketHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			http.Error(w, fmt.Sprintf("websocket upgrade failed: %s", err), http.StatusInternalServerError)
			return
		}
		defer c.Close(websocket.StatusInternalError, "the sky is falling")

		// subscribe before the snapshot so nothing written in between is lost
		unsub, ch := s.Subscribe(websocketBuffer)
		defer unsub()

		// we never read, but CloseRead handles pings and notices the close
		ctx := c.CloseRead(r.Context())

		initial, err := json.Marshal(map[string]any{"snapshot": s.Snapshot()})
		if err != nil {
			slog.Err(err).Msg("Failed to marshal snapshot for websocket")
			return
		}
		if err := writeTimeout(ctx, 5*time.Second, c, initial); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				c.Close(websocket.StatusNormalClosure, "")
				return
			case change, ok := <-ch:
				if !ok {
					return
				}
				js, err := json.Marshal(change)
				if err != nil {
					slog.Err(err).Msg("Failed to marshal change for websocket")
					continue
				}
				if err := writeTimeout(ctx, 5*time.Second, c, js); err != nil {
					slog.Debug().Err(err).Msg("Websocket write failed")
					return
				}
			}
		}
	}
}

func writeTimeout(ctx context.Context, timeout time.Duration, c *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return c.Write(ctx, websocket.MessageText, msg)
}
