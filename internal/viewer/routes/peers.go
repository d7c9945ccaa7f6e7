package routes

import "net/http"

func registerPeerRoutes(mux *http.ServeMux, d Deps) {
	if d.Peers != nil {
		// GET /api/peers: online peers heard on the presence topic.
		handleGet(mux, "/api/peers", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, d.Peers.List())
		})
	}
	if d.SelfInfo != nil {
		handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, d.SelfInfo())
		})
	}
}
