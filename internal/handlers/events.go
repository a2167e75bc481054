package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/ftpbroker/internal/connpool"
	"github.com/gluk-w/claworc/ftpbroker/internal/middleware"
)

// eventStreamBuffer is the per-subscriber queue; events beyond it are dropped.
const eventStreamBuffer = 64

const eventWriteTimeout = 5 * time.Second

// ListEvents returns the caller's recent connection events, oldest first.
func ListEvents(w http.ResponseWriter, r *http.Request) {
	if !poolReady(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": Pool.Events(middleware.GetOwner(r)),
	})
}

// StreamEvents upgrades to a websocket and pushes the caller's connection
// events as JSON messages: the retained history first, then live events.
func StreamEvents(w http.ResponseWriter, r *http.Request) {
	if !poolReady(w) {
		return
	}
	owner := middleware.GetOwner(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("accept events websocket")
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles their close frame.
	ctx := conn.CloseRead(r.Context())

	ch := make(chan connpool.Event, eventStreamBuffer)
	unsubscribe := Pool.OnEvent(func(ev connpool.Event) {
		if ev.OwnerID != owner {
			return
		}
		select {
		case ch <- ev:
		default:
		}
	})
	defer unsubscribe()

	for _, ev := range Pool.Events(owner) {
		if err := writeEvent(ctx, conn, ev); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-ch:
			if err := writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev connpool.Event) error {
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, ev)
}
