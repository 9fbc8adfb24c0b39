package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/petervdpas/carecall/internal/call"
	"github.com/petervdpas/carecall/internal/config"
	"github.com/petervdpas/carecall/internal/p2p"

	logging "github.com/ipfs/go-log/v2"
)

// NormalizeLocalViewer ensures the viewer only binds to localhost
// and returns listen addr and browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

// callConfig maps the file config onto the per-call policy.
func callConfig(cfg config.Config) call.Config {
	return call.Config{
		ICEServers:          append([]string(nil), cfg.ICE.Servers...),
		DisconnectedTimeout: time.Duration(cfg.ICE.DisconnectedTimeoutSec) * time.Second,
		FailedTimeout:       time.Duration(cfg.ICE.FailedTimeoutSec) * time.Second,
		KeepaliveInterval:   time.Duration(cfg.ICE.KeepaliveSec) * time.Second,
		NegotiationTimeout:  time.Duration(cfg.Call.NegotiationTimeoutSec) * time.Second,
	}
}

func newMediaSource(c config.Call) (call.MediaSource, error) {
	if c.Synthetic {
		log.Warn("synthetic media: camera and microphone are not used")
		return call.SyntheticSource{}, nil
	}
	return call.NewDeviceSource(call.MediaConstraints{
		MaxWidth:  c.VideoMaxWidth,
		MaxHeight: c.VideoMaxHeight,
		Bitrate:   c.VideoBitrate,
	})
}

func applyLogLevel(level string) {
	if level == "" {
		level = "info"
	}
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		log.Warnf("log level %q: %v", level, err)
		return
	}
	logging.SetAllLoggers(lvl)
	p2p.QuietLogs(lvl)
}

func logBanner(peerDir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Info("Carecall peer scope")
	log.Infof(" Peer folder : %s", peerDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Info(" This process is ONE call participant.")
	log.Info("────────────────────────────────────────")
}
