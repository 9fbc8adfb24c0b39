// Package viewer serves the local call surface API.
package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/petervdpas/carecall/internal/call"
	"github.com/petervdpas/carecall/internal/storage"
	"github.com/petervdpas/carecall/internal/surface"
	"github.com/petervdpas/carecall/internal/viewer/routes"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("viewer")

type Viewer struct {
	Calls    *call.Manager
	Surfaces *surface.Registry
	DB       *storage.DB // optional call journal
	Logs     *LogBuffer

	// Calls started over HTTP live until hung up or until this context ends,
	// not for the length of the request.
	Ctx context.Context
}

// Handler builds the HTTP handler for v.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	deps := routes.Deps{
		Calls:    v.Calls,
		Surfaces: v.Surfaces,
		BaseCtx:  v.Ctx,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	if v.DB != nil {
		deps.History = v.DB
	}
	routes.Register(mux, deps)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return apiMiddleware(mux)
}

// Start serves on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	if v.Ctx == nil {
		v.Ctx = ctx
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: Handler(v), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Infof("call surface API on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
