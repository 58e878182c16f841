// Package viewer serves the local HTTP API a UI uses to drive calls: call
// control, live call state over SSE and websocket, call history and logs.
package viewer

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

const shutdownTimeout = 5 * time.Second

type Viewer struct {
	Calls *call.Manager
	DB    *storage.DB
	Logs  *LogBuffer

	Transport string
	Peers     func() int
	Started   time.Time
}

// Handler builds the viewer's routes.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	deps := routes.Deps{
		Calls:     v.Calls,
		Transport: v.Transport,
		Peers:     v.Peers,
		Started:   v.Started,
	}
	// Typed nils must not reach the interface fields.
	if v.DB != nil {
		deps.History = v.DB
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}
	routes.Register(mux, deps)

	return noCache(mux)
}

// Start serves the viewer on addr until ctx is cancelled, then shuts down
// gracefully. Open SSE and websocket streams end with their request contexts.
func Start(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, v)
}

func Serve(ctx context.Context, ln net.Listener, v Viewer) error {
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("VIEWER: listening on http://%s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("VIEWER: shutdown: %v", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
