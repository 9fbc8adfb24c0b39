package routes

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/carecall/internal/call"
	"github.com/petervdpas/carecall/internal/proto"
	"github.com/petervdpas/carecall/internal/surface"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("viewer")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The surface is served to a local webview; any origin on this host.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type toggleRequest struct {
	SessionID string `json:"session_id"`
	Enabled   *bool  `json:"enabled,omitempty"` // omitted flips the current setting
}

// RegisterCall registers the call surface API.
func RegisterCall(mux *http.ServeMux, d Deps) {
	baseCtx := d.BaseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	// GET /api/call/status: every open call as the user sees it.
	handleGet(mux, "/api/call/status", func(w http.ResponseWriter, r *http.Request) {
		calls := d.Surfaces.List()
		writeJSON(w, map[string]any{
			"call_count": len(calls),
			"calls":      calls,
			"sessions":   d.Calls.Sessions(),
		})
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID   string `json:"session_id"`
		Role        string `json:"role"`
		RemoteLabel string `json:"remote_label"`
	}) {
		var initiator bool
		switch req.Role {
		case proto.RoleInitiator:
			initiator = true
		case proto.RoleReceiver:
		default:
			http.Error(w, "role must be initiator or receiver", http.StatusBadRequest)
			return
		}

		sess, err := d.Calls.NewSession(req.SessionID, req.RemoteLabel)
		if err != nil {
			http.Error(w, "start call failed: "+err.Error(), statusFor(err))
			return
		}
		c := surface.New(sess, req.RemoteLabel)
		if err := d.Surfaces.Add(c); err != nil {
			sess.Stop()
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		// The call outlives this request.
		if err := c.Start(baseCtx, initiator); err != nil {
			writeJSONStatus(w, statusFor(err), map[string]any{
				"error": err.Error(),
				"call":  c.Current(),
			})
			return
		}
		log.Infof("[%s] call started over HTTP as %s", sess.ID(), req.Role)
		writeJSON(w, c.Current())
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req sessionRequest) {
		c, ok := d.Surfaces.Get(req.SessionID)
		if !ok {
			writeJSON(w, map[string]string{"status": "not_found"})
			return
		}
		c.End()
		writeJSON(w, map[string]string{"status": "hung_up", "session_id": req.SessionID})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req toggleRequest) {
		toggle(w, d, req, func(c *surface.Call, cur surface.Update) (bool, error) {
			on := !cur.AudioEnabled
			if req.Enabled != nil {
				on = *req.Enabled
			}
			return on, c.ToggleAudio(on)
		})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req toggleRequest) {
		toggle(w, d, req, func(c *surface.Call, cur surface.Update) (bool, error) {
			on := !cur.VideoEnabled
			if req.Enabled != nil {
				on = *req.Enabled
			}
			return on, c.ToggleVideo(on)
		})
	})

	// GET /api/call/history?limit=N
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		if d.History == nil {
			writeJSON(w, []any{})
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		calls, err := d.History.ListCalls(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, calls)
	})

	// GET /api/call/session/{id}/events: SSE of view updates.
	// GET /api/call/session/{id}/ws: the same updates over a websocket.
	// GET /api/call/session/{id}/logs: log lines of this call.
	mux.HandleFunc("/api/call/session/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		tail := strings.TrimPrefix(r.URL.Path, "/api/call/session/")
		parts := strings.SplitN(tail, "/", 2)
		if len(parts) != 2 || parts[0] == "" {
			http.Error(w, "expected /api/call/session/{id}/{events|ws|logs}", http.StatusBadRequest)
			return
		}

		// Logs outlive the call.
		if parts[1] == "logs" {
			if d.Logs == nil {
				http.Error(w, "logs not captured", http.StatusNotFound)
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			writeLogs(w, d.Logs, parts[0], limit)
			return
		}
		if parts[1] != "events" && parts[1] != "ws" {
			http.Error(w, "expected /api/call/session/{id}/{events|ws|logs}", http.StatusBadRequest)
			return
		}

		c, ok := d.Surfaces.Get(parts[0])
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		if parts[1] == "ws" {
			streamWS(w, r, c)
			return
		}
		streamSSE(w, r, c)
	})
}

func toggle(w http.ResponseWriter, d Deps, req toggleRequest, apply func(*surface.Call, surface.Update) (bool, error)) {
	c, ok := d.Surfaces.Get(req.SessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	on, err := apply(c, c.Current())
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, map[string]any{"enabled": on, "call": c.Current()})
}

func streamSSE(w http.ResponseWriter, r *http.Request, c *surface.Call) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	sseHeaders(w)

	ch, cancel := c.Subscribe()
	defer cancel()

	_ = writeSSE(w, "update", c.Current())
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-ch:
			if !ok {
				_ = writeSSE(w, "end", c.Current())
				flusher.Flush()
				return
			}
			if err := writeSSE(w, "update", u); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func streamWS(w http.ResponseWriter, r *http.Request, c *surface.Call) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("[%s] websocket upgrade: %v", c.ID(), err)
		return
	}
	defer conn.Close()

	ch, cancel := c.Subscribe()
	defer cancel()

	// Drain control frames; a read error means the client went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(u surface.Update) error {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteJSON(u)
	}
	if err := send(c.Current()); err != nil {
		return
	}
	for {
		select {
		case <-gone:
			return
		case u, ok := <-ch:
			if !ok {
				_ = send(c.Current())
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
					time.Now().Add(time.Second))
				return
			}
			if err := send(u); err != nil {
				return
			}
		}
	}
}

func statusFor(err error) int {
	var mae *call.MediaAccessError
	switch {
	case errors.Is(err, call.ErrSessionExists), errors.Is(err, surface.ErrCallExists):
		return http.StatusConflict
	case errors.Is(err, call.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &mae):
		return http.StatusUnprocessableEntity
	case errors.Is(err, call.ErrStopped), errors.Is(err, call.ErrManagerClosed):
		return http.StatusGone
	}
	return http.StatusBadRequest
}
