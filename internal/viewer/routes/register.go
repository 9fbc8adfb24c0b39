package routes

import (
	"context"
	"net/http"

	"github.com/petervdpas/carecall/internal/call"
	"github.com/petervdpas/carecall/internal/storage"
	"github.com/petervdpas/carecall/internal/surface"
)

// History reads the call journal. Implemented by storage.DB.
type History interface {
	ListCalls(limit int) ([]storage.CallRow, error)
}

type Deps struct {
	Calls    *call.Manager
	Surfaces *surface.Registry
	History  History
	Logs     Logs

	// Parent context of every call started through the API.
	BaseCtx context.Context
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	RegisterCall(mux, d)
}
