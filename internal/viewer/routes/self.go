package routes

import (
	"net/http"
	"time"
)

func registerSelfRoutes(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"transport": d.Transport,
			"uptime":    time.Since(d.Started).Round(time.Second).String(),
		}
		if d.Calls != nil {
			out["participant_id"] = d.Calls.SelfID()
		}
		if d.Peers != nil {
			out["peers"] = d.Peers()
		}
		writeJSON(w, out)
	})
}
