package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/carecall/internal/proto"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

var errDialAborted = errors.New("dial aborted")

const (
	wsWriteTimeout    = 5 * time.Second
	dialRetries       = 3
	dialRetryInterval = 200 * time.Millisecond
)

// WebSocketTransport joins session channels on a websocket relay.
type WebSocketTransport struct {
	endpoint
	relayURL string
	dialer   *websocket.Dialer

	openMu sync.Mutex // serializes Open

	opMu       sync.Mutex
	channel    string
	conn       *wsConn
	cancelDial context.CancelFunc
	gen        uint64 // bumped by Close; an Open that saw another gen lost the race
}

type wsConn struct {
	c       *websocket.Conn
	writeMu sync.Mutex
	closing chan struct{}
	once    sync.Once
}

func (w *wsConn) close() {
	w.once.Do(func() {
		close(w.closing)
		w.writeMu.Lock()
		_ = w.c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		_ = w.c.Close()
	})
}

// NewWebSocketTransport returns a transport that dials relayURL
// (ws:// or wss://). An empty participantID gets a random one.
func NewWebSocketTransport(relayURL, participantID string) *WebSocketTransport {
	return &WebSocketTransport{
		endpoint: newEndpoint(participantID),
		relayURL: strings.TrimRight(relayURL, "/"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  65536,
		},
	}
}

func (t *WebSocketTransport) channelURL(channel string) string {
	q := url.Values{}
	q.Set(proto.RelayParticipantParam, t.self)
	return t.relayURL + proto.RelaySignalPath + url.PathEscape(channel) + "?" + q.Encode()
}

// Open joins the channel of sessionID. The dial runs without holding the
// state lock, so Close can abort it at any point.
func (t *WebSocketTransport) Open(ctx context.Context, sessionID string) error {
	t.openMu.Lock()
	defer t.openMu.Unlock()

	name := ChannelName(sessionID)
	t.opMu.Lock()
	if t.conn != nil && t.channel == name && t.State() == StateConnected {
		t.opMu.Unlock()
		return nil
	}
	if t.conn != nil {
		t.conn.close()
		t.conn = nil
	}
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.cancelDial = cancel
	gen := t.gen
	t.opMu.Unlock()

	c, err := t.dial(dctx, name)

	t.opMu.Lock()
	defer t.opMu.Unlock()
	t.cancelDial = nil
	if t.gen != gen {
		if c != nil {
			_ = c.Close()
		}
		return fmt.Errorf("%w: closed while joining %s", ErrTransportUnavailable, name)
	}
	if err != nil {
		t.setState(StateDisconnected)
		return err
	}

	conn := &wsConn{c: c, closing: make(chan struct{})}
	t.conn = conn
	t.channel = name
	t.setState(StateConnected)
	go t.readLoop(conn)

	log.Infof("%s joined %s via %s", t.self, name, t.relayURL)
	return nil
}

// dial retries briefly so a relay that is just starting does not fail the
// call. A full channel or a rejected handshake is not retried.
func (t *WebSocketTransport) dial(ctx context.Context, channel string) (*websocket.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = dialRetryInterval
	bo.Reset()

	var conn *websocket.Conn
	op := func() error {
		c, resp, err := t.dialOnce(ctx, channel)
		if errors.Is(err, errDialAborted) {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrTransportUnavailable, ctx.Err()))
		}
		if err == nil {
			conn = c
			return nil
		}
		if resp != nil {
			if resp.StatusCode == http.StatusConflict {
				return backoff.Permanent(ErrChannelFull)
			}
			return backoff.Permanent(fmt.Errorf("%w: relay refused: %s", ErrTransportUnavailable, resp.Status))
		}
		log.Debugf("%s dial relay: %v", t.self, err)
		return fmt.Errorf("%w: dial relay: %v", ErrTransportUnavailable, err)
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, dialRetries), ctx))
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrTransportUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
		return nil, err
	}
	return conn, nil
}

// dialOnce makes one handshake attempt. The dialer only honors ctx
// deadlines once the TCP connection is up, so a cancelled ctx forces the
// connection's deadline into the past to unblock a relay that never
// answers.
func (t *WebSocketTransport) dialOnce(ctx context.Context, channel string) (*websocket.Conn, *http.Response, error) {
	var stop func() bool
	d := *t.dialer
	d.NetDialContext = func(dctx context.Context, network, addr string) (net.Conn, error) {
		nc, err := (&net.Dialer{}).DialContext(dctx, network, addr)
		if err != nil {
			return nil, err
		}
		stop = context.AfterFunc(ctx, func() { _ = nc.SetDeadline(time.Now()) })
		return nc, nil
	}

	c, resp, err := d.DialContext(ctx, t.channelURL(channel), nil)
	if stop != nil && !stop() {
		if c != nil {
			_ = c.Close()
		}
		return nil, resp, errDialAborted
	}
	return c, resp, err
}

func (t *WebSocketTransport) readLoop(conn *wsConn) {
	for {
		var env Envelope
		if err := conn.c.ReadJSON(&env); err != nil {
			select {
			case <-conn.closing:
				// we closed it
			default:
				// Degraded, not fatal: sends fail from here on and nothing
				// more is delivered. No reconnect.
				t.opMu.Lock()
				if t.conn == conn {
					t.setState(StateDisconnected)
				}
				t.opMu.Unlock()
				log.Warnf("relay connection lost for %s: %v", t.self, err)
			}
			return
		}
		if env.Type == "" {
			continue
		}
		t.deliver(env)
	}
}

func (t *WebSocketTransport) Send(env Envelope) error {
	t.opMu.Lock()
	conn := t.conn
	t.opMu.Unlock()

	if conn == nil {
		return ErrNotOpen
	}
	if t.State() != StateConnected {
		return ErrTransportUnavailable
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	_ = conn.c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.c.WriteJSON(t.stamp(env)); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrNotOpen
		}
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// Close leaves the channel and aborts an Open still dialing.
func (t *WebSocketTransport) Close() error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.gen++
	if t.cancelDial != nil {
		t.cancelDial()
		t.cancelDial = nil
	}

	if t.conn != nil {
		t.conn.close()
		t.conn = nil
	}
	t.setState(StateDisconnected)
	return nil
}
