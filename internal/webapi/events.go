package webapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// eventStreamClient is one connected /api/events websocket subscriber.
type eventStreamClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *eventStreamClient) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

type streamedEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// HandleEvents implements a live event-stream websocket endpoint,
// forwarding every eventbus publication (job/task/node/scaleset/repro
// state changes, crash reports, notification outcomes) to connected
// operators and dashboards in real time. Routes registers it at
// /api/events with the same bearer credential and rate limiting as the
// REST endpoints, wrapped by RequireUser.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	client := &eventStreamClient{conn: conn}

	sub := s.bus.Subscribe("")
	defer s.bus.Unsubscribe(sub)

	slog.Info("webapi: event stream client connected")
	defer func() {
		slog.Info("webapi: event stream client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := client.write(ctx, streamedEvent{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				return
			}
		}
	}
}
