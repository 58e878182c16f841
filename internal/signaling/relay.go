package signaling

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/donovanhide/eventsource"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

const maxRelayBody = 64 << 10

// relayEvent adapts a Message to eventsource.Event.
type relayEvent struct {
	id   string
	kind Kind
	data string
}

func (e relayEvent) Id() string    { return e.id }
func (e relayEvent) Event() string { return string(e.kind) }
func (e relayEvent) Data() string  { return e.data }

// RelayServer fans signaling out over Server-Sent Events for peers that cannot
// reach each other over libp2p.
//
//	GET  /signal/{conversation}  event stream of the conversation
//	POST /signal/{conversation}  publish one message (JSON body)
//
// When a bcrypt token hash is configured every request must carry the token,
// as "Authorization: Bearer <token>" or "?token=" for browser EventSource.
type RelayServer struct {
	es        *eventsource.Server
	router    chi.Router
	tokenHash []byte

	mu       sync.Mutex
	accepted string // last token that matched the hash
	closed   bool
}

func NewRelayServer(tokenHash string) *RelayServer {
	s := &RelayServer{es: eventsource.NewServer()}
	if tokenHash != "" {
		s.tokenHash = []byte(tokenHash)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))
	r.Use(s.authenticate)
	r.Get(proto.RelaySignalPath+"/{conversation}", s.handleStream)
	// The event stream handler needs http.CloseNotifier, which chi's
	// response wrapper does not provide, so request logging is POST only.
	r.With(middleware.Logger).Post(proto.RelaySignalPath+"/{conversation}", s.handlePublish)
	s.router = r
	return s
}

func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *RelayServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.es.Close()
}

func (s *RelayServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenHash == nil {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		if !s.tokenOK(token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tokenOK compares against the bcrypt hash once per distinct token.
func (s *RelayServer) tokenOK(token string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	last := s.accepted
	s.mu.Unlock()
	if last != "" && subtle.ConstantTimeCompare([]byte(last), []byte(token)) == 1 {
		return true
	}
	if bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)) != nil {
		return false
	}
	s.mu.Lock()
	s.accepted = token
	s.mu.Unlock()
	return true
}

func (s *RelayServer) conversation(w http.ResponseWriter, r *http.Request) (string, bool) {
	conv, err := util.ValidateID(chi.URLParam(r, "conversation"))
	if err != nil {
		http.Error(w, "conversation: "+err.Error(), http.StatusBadRequest)
		return "", false
	}
	return conv, true
}

func (s *RelayServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	log.Printf("RELAY: subscriber joined %s from %s", Topic(conv), r.RemoteAddr)
	s.es.Handler(Topic(conv))(w, r)
	log.Printf("RELAY: subscriber left %s", Topic(conv))
}

func (s *RelayServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "relay closed", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRelayBody+1))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > maxRelayBody {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}
	msg, err := Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg = Stamp(msg)
	data, err := json.Marshal(msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.es.Publish([]string{Topic(conv)}, relayEvent{id: msg.ID, kind: msg.Kind, data: string(data)})
	w.WriteHeader(http.StatusAccepted)
}

// HashToken returns the bcrypt hash to configure as the relay token hash.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
