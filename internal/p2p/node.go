package p2p

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/petervdpas/carecall/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("p2p")

func init() {
	QuietLogs(logging.LevelInfo)
}

// QuietLogs turns the noisy libp2p subsystems down unless lvl is debug;
// dial failures and backoff errors otherwise flood the terminal. Call it
// again after logging.SetAllLoggers, which resets them.
func QuietLogs(lvl logging.LogLevel) {
	if lvl <= logging.LevelDebug {
		return
	}
	_ = logging.SetLogLevel("swarm2", "error")
	_ = logging.SetLogLevel("autonat", "warn")
	_ = logging.SetLogLevel("pubsub", "warn")
}

// Node is a libp2p host with a GossipSub router. It carries signaling
// channels for the pubsub transport; media never flows through it.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	mdns mdns.Service

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// Options configures a Node.
type Options struct {
	ListenPort int
	KeyFile    string
	MdnsTag    string
	Bootstrap  []string // multiaddrs including /p2p/<id>
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("mdns connect %s: %v", pi.ID, err)
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func New(ctx context.Context, opts Options) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new identity key: %s", opts.KeyFile)
	} else {
		log.Infof("loaded identity key: %s", opts.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	n := &Node{
		Host:   h,
		topics: make(map[string]*pubsub.Topic),
	}

	if opts.MdnsTag != "" {
		md := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
		if err := md.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
		n.mdns = md
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		n.Close()
		return nil, err
	}
	n.ps = ps

	for _, raw := range opts.Bootstrap {
		if err := n.connectAddr(ctx, raw); err != nil {
			log.Warnf("bootstrap %s: %v", raw, err)
		}
	}

	log.Infof("node %s listening on %v", h.ID(), h.Addrs())
	return n, nil
}

func (n *Node) connectAddr(ctx context.Context, raw string) error {
	addr, err := ma.NewMultiaddr(raw)
	if err != nil {
		return err
	}
	pi, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	return n.Host.Connect(cctx, *pi)
}

// Connect dials another node directly.
func (n *Node) Connect(ctx context.Context, pi peer.AddrInfo) error {
	cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	return n.Host.Connect(cctx, pi)
}

// AddrInfo returns this node's dialable address info.
func (n *Node) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: n.Host.ID(), Addrs: n.Host.Addrs()}
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Topic returns the joined topic for name, joining it on first use.
// GossipSub allows one handle per topic per router, so handles are shared.
func (n *Node) Topic(name string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	n.topics[name] = t
	return t, nil
}

// ReleaseTopic closes the topic handle. It fails while subscriptions are
// still active, in which case the handle is kept.
func (n *Node) ReleaseTopic(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.topics[name]
	if !ok {
		return
	}
	if err := t.Close(); err != nil {
		log.Debugf("topic %s kept: %v", name, err)
		return
	}
	delete(n.topics, name)
}

func (n *Node) Close() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.Host.Close()
}
