package routes

import (
	"net/http"
	"strconv"

	"github.com/petervdpas/carecall/internal/proto"
)

// Logs is the captured log of this process.
type Logs interface {
	Recent(session string, limit int) []proto.LogLine
	Follow(session string) (<-chan proto.LogLine, func())
}

func registerAPILogRoutes(mux *http.ServeMux, d Deps) {
	if d.Logs == nil {
		return
	}

	// GET /api/logs?session_id=&limit=
	handleGet(mux, "/api/logs", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		writeLogs(w, d.Logs, q.Get("session_id"), limit)
	})

	// GET /api/logs/stream?session_id=  (SSE, new lines only)
	handleGet(mux, "/api/logs/stream", func(w http.ResponseWriter, r *http.Request) {
		streamLogs(w, r, d.Logs, r.URL.Query().Get("session_id"))
	})
}

func writeLogs(w http.ResponseWriter, logs Logs, session string, limit int) {
	lines := logs.Recent(session, limit)
	if lines == nil {
		lines = []proto.LogLine{}
	}
	writeJSON(w, lines)
}

func streamLogs(w http.ResponseWriter, r *http.Request, logs Logs, session string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	sseHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := logs.Follow(session)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case l, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, "log", l); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
