// internal/viewer/routes/register.go
package routes

import (
	"net/http"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/storage"
)

// Logs serves the captured process log; both handlers accept
// ?subsystem= and the JSON one also ?limit=.
type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// History is the read side of the call log.
type History interface {
	ListCallLogs(conversationID string, limit int) ([]call.Record, error)
	CallStats(conversationID string) (map[string]int, error)
	ListParticipants() ([]storage.Participant, error)
}

type Deps struct {
	Calls   *call.Manager
	History History
	Logs    Logs

	// Transport names the signaling transport in use ("pubsub" or "relay").
	Transport string
	// Peers reports connected libp2p peers; nil in relay mode.
	Peers   func() int
	Started time.Time
}

func Register(mux *http.ServeMux, d Deps) {
	if d.Logs != nil {
		handleGet(mux, "/api/logs", d.Logs.ServeLogsJSON)
		handleGet(mux, "/api/logs/stream", d.Logs.ServeLogsSSE)
	}
	registerSelfRoutes(mux, d)
	if d.Calls != nil {
		RegisterCall(mux, d.Calls)
	}
	if d.History != nil {
		registerHistoryRoutes(mux, d.History)
	}
}
