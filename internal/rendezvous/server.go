// internal/rendezvous/server.go
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/carecall/internal/proto"
	"github.com/petervdpas/carecall/internal/util"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("rendezvous")

const (
	maxChannelMembers = 2
	maxMessageBytes   = 64 << 10 // SDP with many codecs stays well below this
	clientSendBuffer  = 64
	writeTimeout      = 5 * time.Second
	pingInterval      = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the signaling rendezvous point: a websocket relay that forwards
// envelopes between the two participants of a session channel. It never
// buffers, never replays and never echoes a message to its sender.
type Server struct {
	addr string
	srv  *http.Server

	mu       sync.Mutex
	channels map[string]map[string]*client // channel -> participant -> client

	// log buffer for the ops endpoint
	logs *util.RingBuffer[string]
}

type client struct {
	channel     string
	participant string
	remoteIP    string
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	once        sync.Once
	joined      time.Time
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

type ChannelInfo struct {
	Channel      string   `json:"channel"`
	Participants []string `json:"participants"`
}

func New(addr string) *Server {
	return &Server{
		addr:     addr,
		channels: make(map[string]map[string]*client),
		logs:     util.NewRingBuffer[string](500),
	}
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(proto.RelaySignalPath, s.handleSignal)
	mux.HandleFunc("/api/channels", s.handleChannelsJSON)
	mux.HandleFunc("/api/logs", s.handleLogsJSON)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Stop server when ctx ends
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
		s.DropAll()
	}()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("rendezvous server error: %v", err)
		}
	}()

	return nil
}

// Addr is the bound listen address; valid after Start.
func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) URL() string {
	return "ws://" + s.addr
}

// reserve claims a slot for participant on channel. A participant that
// reconnects replaces its previous connection.
func (s *Server) reserve(c *client) (*client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.channels[c.channel]
	if members == nil {
		members = make(map[string]*client)
		s.channels[c.channel] = members
	}
	old, rejoin := members[c.participant]
	if !rejoin && len(members) >= maxChannelMembers {
		return nil, fmt.Errorf("channel %s already has %d participants", c.channel, maxChannelMembers)
	}
	members[c.participant] = c
	return old, nil
}

func (s *Server) release(c *client) {
	s.mu.Lock()
	if members := s.channels[c.channel]; members != nil {
		if cur, ok := members[c.participant]; ok && cur == c {
			delete(members, c.participant)
		}
		if len(members) == 0 {
			delete(s.channels, c.channel)
		}
	}
	s.mu.Unlock()
	c.stop()
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	channel := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, proto.RelaySignalPath), "/")
	participant := strings.TrimSpace(r.URL.Query().Get(proto.RelayParticipantParam))
	session, ok := strings.CutPrefix(channel, proto.SignalChannelPrefix+"/")
	if !ok || session == "" || strings.Contains(session, "/") {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}
	if participant == "" {
		http.Error(w, "missing participant", http.StatusBadRequest)
		return
	}

	c := &client{
		channel:     channel,
		participant: participant,
		remoteIP:    extractIP(r.RemoteAddr),
		send:        make(chan []byte, clientSendBuffer),
		done:        make(chan struct{}),
		joined:      time.Now(),
	}

	old, err := s.reserve(c)
	if err != nil {
		s.addLog(fmt.Sprintf("Rejected %s on %s: %v", participant, channel, err))
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if old != nil {
		old.stop()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release(c)
		log.Warnf("websocket upgrade for %s on %s: %v", participant, channel, err)
		return
	}
	c.conn = conn
	s.addLog(fmt.Sprintf("Joined %s on %s from %s", participant, channel, c.remoteIP))

	go s.writeLoop(c)
	s.readLoop(c)

	s.release(c)
	_ = conn.Close()
	s.addLog(fmt.Sprintf("Left %s on %s", participant, channel))
}

func (s *Server) readLoop(c *client) {
	c.conn.SetReadLimit(maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * pingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(3 * pingInterval))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		select {
		case <-c.done:
			return
		default:
		}
		s.forward(c, data)
	}
}

func (s *Server) writeLoop(c *client) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = c.conn.Close()
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.stop()
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.stop()
			}
		}
	}
}

// forward delivers b to every other member of the sender's channel.
func (s *Server) forward(from *client, b []byte) {
	s.mu.Lock()
	targets := make([]*client, 0, 1)
	for id, c := range s.channels[from.channel] {
		if id == from.participant {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		// No one listening; the message is lost by contract.
		log.Debugf("%s: no peer for message from %s", from.channel, from.participant)
		return
	}
	for _, c := range targets {
		select {
		case c.send <- b:
		default:
			// slow client; drop message rather than blocking the sender
			log.Warnf("%s: dropping message for slow participant %s", c.channel, c.participant)
		}
	}
}

// DropAll disconnects every participant. Channels are not buffered, so
// nothing survives a drop.
func (s *Server) DropAll() {
	s.mu.Lock()
	var all []*client
	for _, members := range s.channels {
		for _, c := range members {
			all = append(all, c)
		}
	}
	s.mu.Unlock()
	for _, c := range all {
		c.stop()
	}
}

// Channels returns a sorted snapshot of open channels.
func (s *Server) Channels() []ChannelInfo {
	s.mu.Lock()
	rows := make([]ChannelInfo, 0, len(s.channels))
	for name, members := range s.channels {
		row := ChannelInfo{Channel: name}
		for id := range members {
			row.Participants = append(row.Participants, id)
		}
		sort.Strings(row.Participants)
		rows = append(rows, row)
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].Channel < rows[j].Channel })
	return rows
}

func (s *Server) handleChannelsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(s.Channels())
}

func (s *Server) handleLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(s.logs.Snapshot())
}

func (s *Server) addLog(msg string) {
	timestamp := time.Now().Format("15:04:05")
	s.logs.Push(fmt.Sprintf("[%s] %s", timestamp, msg))

	// Also log to console
	log.Info(msg)
}

// extractIP returns the IP portion of a host:port address.
func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
