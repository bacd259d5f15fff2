package participant

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/avfleet/handoff/pkg/model"
	"github.com/avfleet/handoff/pkg/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Observers connect from anywhere; the feed is read-only.
		return true
	},
}

const wsWriteDeadline = 10 * time.Second

// changeTailEvent is the wire form of one change feed entry.
type changeTailEvent struct {
	Op           store.OpType `json:"operationType"`
	DocumentKey  any          `json:"documentKey"`
	FullDocument *model.Ride  `json:"fullDocument,omitempty"`
}

// ChangeTail streams the region's change feed to a WebSocket client.
// Each connection opens its own subscription starting at connect time.
func ChangeTail(watcher store.ChangeWatcher, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		stream, err := watcher.Watch(ctx, nil)
		if err != nil {
			log.Errorf("open change tail: %v", err)
			return
		}
		defer stream.Close(context.Background())

		// Drain client frames so close handshakes are noticed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()

		for {
			ev, err := stream.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warnf("change tail ended: %v", err)
				}
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteJSON(changeTailEvent{
				Op:           ev.Op,
				DocumentKey:  ev.DocumentID,
				FullDocument: ev.FullDocument,
			}); err != nil {
				return
			}
		}
	}
}
