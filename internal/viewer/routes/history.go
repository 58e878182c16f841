package routes

import (
	"log"
	"net/http"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/storage"
)

const defaultHistoryLimit = 50

func registerHistoryRoutes(mux *http.ServeMux, h History) {
	// GET /api/call/history?conversation=X&limit=N
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		conv := conversationParam(r)
		if conv == "" {
			http.Error(w, "missing conversation", http.StatusBadRequest)
			return
		}
		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if limit = atoiOrNeg(raw); limit <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
		}

		records, err := h.ListCallLogs(conv, limit)
		if err != nil {
			log.Printf("VIEWER: call history for %s: %v", conv, err)
			http.Error(w, "failed to read call history", http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []call.Record{}
		}
		stats, err := h.CallStats(conv)
		if err != nil {
			log.Printf("VIEWER: call stats for %s: %v", conv, err)
			stats = map[string]int{}
		}
		writeJSON(w, map[string]any{
			"conversation_id": conv,
			"records":         records,
			"stats":           stats,
		})
	})

	// GET /api/participants: everyone this peer has been in a call with.
	handleGet(mux, "/api/participants", func(w http.ResponseWriter, r *http.Request) {
		ps, err := h.ListParticipants()
		if err != nil {
			log.Printf("VIEWER: participants: %v", err)
			http.Error(w, "failed to read participants", http.StatusInternalServerError)
			return
		}
		if ps == nil {
			ps = []storage.Participant{}
		}
		writeJSON(w, ps)
	})
}
