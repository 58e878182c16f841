// internal/viewer/routes/helpers.go

package routes

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/petervdpas/goopcall/internal/call"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON writes a 400 and returns the error when the body is not valid JSON.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return err
	}
	return nil
}

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

func handlePost[T any](mux *http.ServeMux, path string, fn func(w http.ResponseWriter, r *http.Request, req T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if decodeJSON(w, r, &req) != nil {
			return
		}
		fn(w, r, req)
	})
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// callErrorStatus maps the call error taxonomy onto HTTP status codes.
func callErrorStatus(err error) int {
	switch {
	case errors.Is(err, call.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrInvalidStateTransition), errors.Is(err, call.ErrCallEnded):
		return http.StatusConflict
	case errors.Is(err, call.ErrSignalingUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, call.ErrMediaAcquisitionFailed):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error  string      `json:"error"`
	Reason call.Reason `json:"reason,omitempty"`
}

func writeCallError(w http.ResponseWriter, err error) {
	writeJSONStatus(w, callErrorStatus(err), errorBody{Error: err.Error(), Reason: call.ReasonOf(err)})
}

func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func atoiOrNeg(s string) int {
	if s == "" {
		return -1
	}
	n := 0
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return -1
		}
		n = n*10 + int(ch-'0')
	}
	return n
}

// conversationParam reads ?conversation= (or ?conversation_id=).
func conversationParam(r *http.Request) string {
	q := r.URL.Query()
	if v := strings.TrimSpace(q.Get("conversation")); v != "" {
		return v
	}
	return strings.TrimSpace(q.Get("conversation_id"))
}
