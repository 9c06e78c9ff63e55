package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/docsmithlabs/docsmith/internal/events"
)

const (
	eventStreamBuffer = 256
	eventWriteTimeout = 5 * time.Second
)

func handleEventHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history := deps.Bus.History()
		if history == nil {
			history = []events.Event{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(history)
	}
}

// handleEventStream upgrades to a websocket, replays the retained history,
// and then relays live events until the client goes away. A slow client
// misses events rather than stalling publishers.
func handleEventStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Debug("websocket accept failed", "error", err)
			return
		}
		defer conn.Close(websocket.StatusInternalError, "stream aborted")

		feed, cancel := deps.Bus.Subscribe(eventStreamBuffer)
		defer cancel()

		ctx := conn.CloseRead(r.Context())

		// The history snapshot and the live feed can overlap at the
		// boundary; Seq filtering keeps each event to one delivery.
		var last uint64
		for _, e := range deps.Bus.History() {
			if err := writeEvent(ctx, conn, e); err != nil {
				return
			}
			last = e.Seq
		}

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case e := <-feed:
				if e.Seq <= last {
					continue
				}
				if err := writeEvent(ctx, conn, e); err != nil {
					return
				}
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e events.Event) error {
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, e)
}
