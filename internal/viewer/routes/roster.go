package routes

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goparty/internal/party"
)

var log = logging.Logger("viewer")

const wsWriteTimeout = 5 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local viewer; pages may be opened from file:// or another port.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type rosterResponse struct {
	Self   string       `json:"self"`
	Roster party.Roster `json:"roster"`
}

func registerRosterRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/roster
	handleGet(mux, "/api/roster", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, rosterResponse{Self: d.Party.SelfID(), Roster: nonNil(d.Party.Roster())})
	})

	// GET /ws/roster: the current roster right away, then one frame per
	// change until the client goes away.
	handleGet(mux, "/ws/roster", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugw("websocket upgrade failed", "err", err)
			return
		}
		defer conn.Close()

		sub := d.Party.Subscribe()
		defer d.Party.Unsubscribe(sub)

		// Drain incoming frames so close and ping control frames are seen.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		send := func(roster party.Roster) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := conn.WriteJSON(rosterResponse{Self: d.Party.SelfID(), Roster: nonNil(roster)})
			return err == nil
		}
		if !send(d.Party.Roster()) {
			return
		}
		for {
			select {
			case <-r.Context().Done():
				return
			case <-gone:
				return
			case roster, ok := <-sub:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "tracker closed"),
						time.Now().Add(wsWriteTimeout))
					return
				}
				if !send(roster) {
					return
				}
			}
		}
	})
}

func nonNil(r party.Roster) party.Roster {
	if r == nil {
		return party.Roster{}
	}
	return r
}
