package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/call"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	// The viewer binds to localhost; any page served to a local client may connect.
	CheckOrigin: isLocalRequest,
}

const wsWriteTimeout = 5 * time.Second

type conversationReq struct {
	ConversationID string `json:"conversation_id"`
}

type startReq struct {
	ConversationID    string        `json:"conversation_id"`
	CallType          call.CallType `json:"call_type"`
	RemoteParticipant string        `json:"remote_participant"`
}

// wsCommand is what a websocket client may send.
type wsCommand struct {
	Action            string        `json:"action"`
	ConversationID    string        `json:"conversation_id"`
	CallType          call.CallType `json:"call_type,omitempty"`
	RemoteParticipant string        `json:"remote_participant,omitempty"`
}

type wsReply struct {
	Type     string         `json:"type"`
	Action   string         `json:"action,omitempty"`
	Snapshot *call.Snapshot `json:"snapshot,omitempty"`
	Value    *bool          `json:"value,omitempty"`
	Error    string         `json:"error,omitempty"`
	Reason   call.Reason    `json:"reason,omitempty"`
}

// RegisterCall registers the call control API.
func RegisterCall(mux *http.ServeMux, calls *call.Manager) {
	// GET /api/calls: every open conversation.
	handleGet(mux, "/api/calls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, calls.List())
	})

	// GET /api/call/state?conversation=X
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		conv := conversationParam(r)
		if conv == "" {
			http.Error(w, "missing conversation", http.StatusBadRequest)
			return
		}
		c, ok := calls.Get(conv)
		if !ok {
			writeJSON(w, call.Snapshot{ConversationID: conv, Phase: call.PhaseIdle})
			return
		}
		writeJSON(w, c.Snapshot())
	})

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req startReq) {
		if req.ConversationID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		if req.CallType == "" {
			req.CallType = call.Audio
		}
		if err := calls.Start(r.Context(), req.ConversationID, req.CallType, req.RemoteParticipant); err != nil {
			writeCallError(w, err)
			return
		}
		writeState(w, calls, req.ConversationID)
	})

	handlePost(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request, req conversationReq) {
		if err := calls.Answer(r.Context(), req.ConversationID); err != nil {
			writeCallError(w, err)
			return
		}
		writeState(w, calls, req.ConversationID)
	})

	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, req conversationReq) {
		if err := calls.End(r.Context(), req.ConversationID); err != nil {
			writeCallError(w, err)
			return
		}
		writeState(w, calls, req.ConversationID)
	})

	handlePost(mux, "/api/call/toggle-mute", func(w http.ResponseWriter, r *http.Request, req conversationReq) {
		muted, err := calls.ToggleMute(req.ConversationID)
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req conversationReq) {
		enabled, err := calls.ToggleVideo(req.ConversationID)
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"video_enabled": enabled})
	})

	// GET /api/call/events: SSE stream of snapshots. The current state of
	// every open conversation is sent first.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := calls.Subscribe()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		for _, s := range calls.List() {
			writeSnapshotEvent(w, s)
		}
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case s, ok := <-ch:
				if !ok {
					return
				}
				writeSnapshotEvent(w, s)
				flusher.Flush()
			}
		}
	})

	// GET /api/call/ws: snapshots pushed, commands accepted.
	mux.HandleFunc("/api/call/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("VIEWER: websocket upgrade error: %v", err)
			return
		}
		serveCallSocket(r.Context(), conn, calls)
	})
}

func writeState(w http.ResponseWriter, calls *call.Manager, conv string) {
	if c, ok := calls.Get(conv); ok {
		writeJSON(w, c.Snapshot())
		return
	}
	writeJSON(w, call.Snapshot{ConversationID: conv, Phase: call.PhaseIdle})
}

func writeSnapshotEvent(w http.ResponseWriter, s call.Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
}

// serveCallSocket owns conn until the client goes away. Reads happen on
// their own goroutine; every write goes through this one.
func serveCallSocket(ctx context.Context, conn *websocket.Conn, calls *call.Manager) {
	defer conn.Close()

	snaps, cancel := calls.Subscribe()
	defer cancel()

	cmds := make(chan wsCommand, 8)
	results := make(chan wsReply, 8)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(cmds)
		for {
			var cmd wsCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			select {
			case cmds <- cmd:
			case <-done:
				return
			}
		}
	}()

	write := func(v wsReply) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v) == nil
	}

	for _, s := range calls.List() {
		s := s
		if !write(wsReply{Type: "state", Snapshot: &s}) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-snaps:
			if !ok {
				return
			}
			if !write(wsReply{Type: "state", Snapshot: &s}) {
				return
			}
		case cmd, ok := <-cmds:
			if !ok {
				return
			}
			// Commands may block on media or negotiation; run them off the
			// write loop so snapshots keep flowing.
			go func(cmd wsCommand) {
				reply := runCommand(ctx, calls, cmd)
				select {
				case results <- reply:
				case <-ctx.Done():
				}
			}(cmd)
		case reply := <-results:
			if !write(reply) {
				return
			}
		}
	}
}

func runCommand(ctx context.Context, calls *call.Manager, cmd wsCommand) wsReply {
	reply := wsReply{Type: "result", Action: cmd.Action}
	var err error
	switch cmd.Action {
	case "start":
		ct := cmd.CallType
		if ct == "" {
			ct = call.Audio
		}
		err = calls.Start(ctx, cmd.ConversationID, ct, cmd.RemoteParticipant)
	case "answer":
		err = calls.Answer(ctx, cmd.ConversationID)
	case "end":
		err = calls.End(ctx, cmd.ConversationID)
	case "toggle-mute":
		var v bool
		v, err = calls.ToggleMute(cmd.ConversationID)
		reply.Value = &v
	case "toggle-video":
		var v bool
		v, err = calls.ToggleVideo(cmd.ConversationID)
		reply.Value = &v
	default:
		reply.Error = fmt.Sprintf("unknown action %q", cmd.Action)
		return reply
	}
	if err != nil {
		reply.Value = nil
		reply.Error = err.Error()
		reply.Reason = call.ReasonOf(err)
	}
	return reply
}
