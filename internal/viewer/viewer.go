// Package viewer serves the local HTTP view of the party: the roster as JSON
// and as a WebSocket feed, the editable self record, and recent logs.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/petervdpas/goparty/internal/party"
	"github.com/petervdpas/goparty/internal/viewer/routes"
)

const shutdownTimeout = 5 * time.Second

type Viewer struct {
	Party routes.Party
	Logs  *LogBuffer

	OnSelfChange func(p party.Party)
}

func (v Viewer) Handler() http.Handler {
	mux := http.NewServeMux()

	deps := routes.Deps{
		Party:        v.Party,
		OnSelfChange: v.OnSelfChange,
	}
	// A nil *LogBuffer must not become a non-nil interface.
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)

	return noCache(mux)
}

// Start serves on addr until ctx ends, then shuts down gracefully.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           v.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked WebSocket connections are not tracked by Shutdown; they end
	// with their request context.
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
