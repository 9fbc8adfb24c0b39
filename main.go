// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/petervdpas/carecall/internal/app"
	"github.com/petervdpas/carecall/internal/config"
	"github.com/petervdpas/carecall/internal/surface"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("main")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()
	logging.SetAllLoggers(logging.LevelInfo)

	if *version {
		fmt.Printf("carecall v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]

	switch command {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: carecall peer <peer-directory>")
			os.Exit(1)
		}
		runCLIPeer(args[1])

	case "relay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: relay command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: carecall relay <directory>")
			os.Exit(1)
		}
		runCLIRelay(args[1])

	case "loopback":
		runCLILoopback(args[1:])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// loadPeerDir resolves dir and loads (or creates) its config file.
func loadPeerDir(dirArg string) (string, string, config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "carecall.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Infof("wrote default config to %s", cfgPath)
	}
	return absDir, cfgPath, cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Shutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runCLIPeer(dirArg string) {
	absDir, cfgPath, cfg := loadPeerDir(dirArg)
	printBanner("Carecall Peer", absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runCLIRelay(dirArg string) {
	absDir, cfgPath, cfg := loadPeerDir(dirArg)
	printBanner("Carecall Signaling Relay", absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunRelay(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
}

func runCLILoopback(args []string) {
	fs := flag.NewFlagSet("loopback", flag.ExitOnError)
	useRelay := fs.Bool("relay", false, "Signal through an in-process websocket relay")
	timeout := fs.Duration("timeout", 30*time.Second, "Call setup timeout")
	hold := fs.Duration("hold", 3*time.Second, "Keep the call up this long once live")
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	res, err := app.RunLoopback(ctx, app.LoopbackOptions{
		UseRelay: *useRelay,
		Timeout:  *timeout,
		Hold:     *hold,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "loopback failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Call live after %s\n", res.SetupTime.Round(time.Millisecond))
	for _, u := range []surface.Update{res.Initiator, res.Receiver} {
		fmt.Printf("  call to %-9s view=%s state=%s remote tracks=%d\n", u.RemoteLabel, u.View, u.State, len(u.Remote))
	}
}

func showUsage() {
	fmt.Println("carecall - peer-to-peer teleconsultation calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  carecall peer <directory>     Run a call participant")
	fmt.Println("  carecall relay <directory>    Run the websocket signaling relay")
	fmt.Println("  carecall loopback [flags]     Place a synthetic call inside this process")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Serves the call surface API. The directory holds carecall.json")
	fmt.Println("        (created with defaults if missing) and the call journal")
	fmt.Println()
	fmt.Println("  relay <directory>")
	fmt.Println("        Relays offer/answer/candidate envelopes between two participants")
	fmt.Println("        per session. Binds relay.bind:relay.port from carecall.json")
	fmt.Println()
	fmt.Println("  loopback [-relay] [-timeout 30s] [-hold 3s]")
	fmt.Println("        Smoke test: initiator and receiver with generated media")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  carecall relay ./relay")
	fmt.Println("  carecall peer ./peers/doctor")
	fmt.Println("  curl -d '{\"session_id\":\"appt-42\",\"role\":\"initiator\"}' http://127.0.0.1:7777/api/call/start")
}

func printBanner(title, dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Printf("║ %-54s ║\n", title)
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Directory:      %s\n", dir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Profile.Label != "" {
		fmt.Printf("Label:          %s\n", cfg.Profile.Label)
	}
	fmt.Printf("Signaling:      %s\n", cfg.Signal.Mode)
	if cfg.Signal.Mode == config.SignalWebSocket {
		fmt.Printf("Relay URL:      %s\n", cfg.Signal.RelayURL)
	}
	if cfg.Call.NegotiationTimeoutSec > 0 {
		fmt.Printf("Negotiation:    fails after %ds without connecting\n", cfg.Call.NegotiationTimeoutSec)
	} else {
		fmt.Println("Negotiation:    waits until hung up")
	}
	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
