package app

import (
	"context"
	"fmt"
	"time"

	"github.com/petervdpas/carecall/internal/call"
	"github.com/petervdpas/carecall/internal/config"
	"github.com/petervdpas/carecall/internal/p2p"
	"github.com/petervdpas/carecall/internal/realtime"
	"github.com/petervdpas/carecall/internal/rendezvous"
	"github.com/petervdpas/carecall/internal/storage"
	"github.com/petervdpas/carecall/internal/surface"
	"github.com/petervdpas/carecall/internal/util"
	"github.com/petervdpas/carecall/internal/viewer"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// Run runs one call participant until ctx is cancelled: call manager,
// signaling, journal and the local call surface API.
func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	logBuf.Capture(ctx)
	applyLogLevel(opt.Cfg.Log.Level)

	logBanner(opt.PeerDir, opt.CfgPath)

	current := func() config.Config { return opt.Cfg }
	if w, err := config.Watch(opt.CfgPath, opt.Cfg, func(c config.Config) {
		applyLogLevel(c.Log.Level)
		log.Info("config reloaded; changes apply to the next call")
	}); err != nil {
		log.Warnf("config watch disabled: %v", err)
	} else {
		defer w.Close()
		current = w.Current
	}
	cfg := opt.Cfg

	// ── Call journal
	var db *storage.DB
	var journal call.Journal
	if cfg.Storage.DBPath != "" {
		var err error
		db, err = storage.Open(util.ResolvePath(opt.PeerDir, cfg.Storage.DBPath))
		if err != nil {
			return err
		}
		defer db.Close()
		if n, err := db.CloseDangling(time.Now()); err != nil {
			log.Warnf("journal: %v", err)
		} else if n > 0 {
			log.Infof("journal: closed %d calls left open by a previous run", n)
		}
		journal = db
	}

	// ── Signaling
	transports, closeSignal, err := newTransportFactory(ctx, opt.PeerDir, cfg, current)
	if err != nil {
		return err
	}
	defer closeSignal()

	// ── Media
	media, err := newMediaSource(cfg.Call)
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}

	mgr := call.NewManager(call.Options{
		Transports: transports,
		Media:      media,
		Config:     func() call.Config { return callConfig(current()) },
		Journal:    journal,
	})
	defer mgr.Close()

	surfaces := surface.NewRegistry()
	defer surfaces.EndAll()

	// ── Call surface API
	if cfg.Viewer.HTTPAddr == "" {
		log.Warn("viewer.http_addr is empty; no call surface API")
		<-ctx.Done()
		return nil
	}
	listenAddr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- viewer.Start(ctx, listenAddr, viewer.Viewer{
			Calls:    mgr,
			Surfaces: surfaces,
			DB:       db,
			Logs:     logBuf,
			Ctx:      ctx,
		})
	}()
	if err := WaitTCP(listenAddr, util.DefaultConnectTimeout); err != nil {
		log.Warnf("call surface not reachable yet: %v", err)
	} else {
		log.Infof("📞 Call surface: %s", url)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("viewer: %w", err)
		}
	}

	log.Info("shutting down, hanging up open calls")
	surfaces.EndAll()
	mgr.Close()
	return nil
}

// newTransportFactory builds the signaling transports for the configured
// mode. The returned func releases whatever the mode set up.
func newTransportFactory(ctx context.Context, peerDir string, cfg config.Config, current func() config.Config) (call.TransportFactory, func(), error) {
	switch cfg.Signal.Mode {
	case config.SignalMemory:
		log.Warn("signal.mode=memory: only calls inside this process can connect")
		hub := realtime.NewHub()
		return func() (realtime.Transport, error) {
			return hub.Transport(""), nil
		}, func() {}, nil

	case config.SignalPubSub:
		node, err := p2p.New(ctx, p2p.Options{
			ListenPort: cfg.Signal.ListenPort,
			KeyFile:    util.ResolvePath(peerDir, cfg.Signal.KeyFile),
			MdnsTag:    cfg.Signal.MdnsTag,
			Bootstrap:  cfg.Signal.Bootstrap,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("start p2p node: %w", err)
		}
		log.Infof("peer id: %s", node.ID())
		for _, a := range node.Host.Addrs() {
			log.Infof("listening on %s/p2p/%s", a, node.ID())
		}
		return func() (realtime.Transport, error) {
			return realtime.NewPubSubTransport(node), nil
		}, func() { _ = node.Close() }, nil

	default:
		log.Infof("signaling relay: %s", cfg.Signal.RelayURL)
		pctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		defer cancel()
		if err := rendezvous.NewClient(cfg.Signal.RelayURL).Ping(pctx); err != nil {
			// Calls fail with transport unavailable until it comes up.
			log.Warnf("signaling relay not reachable: %v", err)
		}
		return func() (realtime.Transport, error) {
			// Relay URL edits apply to the next call.
			return realtime.NewWebSocketTransport(current().Signal.RelayURL, ""), nil
		}, func() {}, nil
	}
}

// RunRelay runs the websocket signaling relay until ctx is cancelled.
func RunRelay(ctx context.Context, opt Options) error {
	applyLogLevel(opt.Cfg.Log.Level)

	bind := opt.Cfg.Relay.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	rv := rendezvous.New(fmt.Sprintf("%s:%d", bind, opt.Cfg.Relay.Port))
	if err := rv.Start(ctx); err != nil {
		return err
	}
	log.Info("────────────────────────────────────────────────────────")
	log.Infof("🌐 Signaling relay: %s", rv.URL())
	log.Infof("📊 Channels: http://%s/api/channels", rv.Addr())
	log.Info("────────────────────────────────────────────────────────")

	<-ctx.Done()
	return nil
}
