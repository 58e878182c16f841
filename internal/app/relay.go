package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/signaling"
)

// RunRelay serves the HTTP signaling relay configured in cfg.Signaling until
// ctx is cancelled.
func RunRelay(ctx context.Context, cfg config.Config) error {
	bind := cfg.Signaling.RelayBind
	if bind == "" {
		bind = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", bind, cfg.Signaling.RelayPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	if cfg.Signaling.RelayTokenHash == "" {
		log.Printf("WARNING: relay token hash not set, the relay accepts anyone")
	}
	return ServeRelay(ctx, ln, cfg.Signaling.RelayTokenHash)
}

func ServeRelay(ctx context.Context, ln net.Listener, tokenHash string) error {
	relay := signaling.NewRelayServer(tokenHash)
	srv := &http.Server{
		Handler:           relay,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("RELAY: listening on http://%s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		relay.Close()
		return err
	case <-ctx.Done():
	}

	// Ending the event streams first lets Shutdown drain.
	relay.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("RELAY: shutdown: %v", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Println("RELAY: stopped")
	return nil
}
