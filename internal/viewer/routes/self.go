package routes

import (
	"net/http"
	"strings"

	"github.com/petervdpas/goparty/internal/party"
)

const maxFieldLen = 64

// selfUpdate is a partial edit; absent fields stay as they are.
type selfUpdate struct {
	Name  *string `json:"name"`
	Item  *string `json:"item"`
	Ready *bool   `json:"ready"`
}

func registerSelfRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/self, POST /api/self
	mux.HandleFunc("/api/self", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, d.Party.Self())

		case http.MethodPost:
			var req selfUpdate
			if decodeJSON(w, r, &req) != nil {
				return
			}
			if req.Name != nil && len(*req.Name) > maxFieldLen {
				http.Error(w, "name too long", http.StatusBadRequest)
				return
			}
			if req.Item != nil && len(*req.Item) > maxFieldLen {
				http.Error(w, "item too long", http.StatusBadRequest)
				return
			}

			p := d.Party.UpdateSelf(func(p *party.Party) {
				if req.Name != nil {
					p.Name = strings.TrimSpace(*req.Name)
				}
				if req.Item != nil {
					p.Item = strings.TrimSpace(*req.Item)
				}
				if req.Ready != nil {
					p.Ready = *req.Ready
				}
			})
			if d.OnSelfChange != nil {
				d.OnSelfChange(p)
			}
			writeJSON(w, p)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}
