package routes

import (
	"net/http"

	"github.com/petervdpas/goparty/internal/party"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Party is the slice of the tracker the viewer reads and edits.
type Party interface {
	SelfID() string
	Roster() party.Roster
	Self() party.Party
	UpdateSelf(fn func(p *party.Party)) party.Party
	Subscribe() chan party.Roster
	Unsubscribe(ch chan party.Roster)
}

type Deps struct {
	Party Party
	Logs  Logs

	// OnSelfChange runs after a POST /api/self edit, e.g. to persist the
	// profile. May be nil.
	OnSelfChange func(p party.Party)
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerRosterRoutes(mux, d)
	registerSelfRoutes(mux, d)
}
