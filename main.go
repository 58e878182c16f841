// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/signaling"
)

const configFile = "goopcall.json"

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Usage = showUsage
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
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
			fmt.Fprintln(os.Stderr, "Usage: goopcall peer <peer-directory>")
			os.Exit(1)
		}
		runCLIPeer(args[1])

	case "relay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: relay command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: goopcall relay <directory>")
			os.Exit(1)
		}
		runCLIRelay(args[1])

	case "hash-token":
		if len(args) < 2 || args[1] == "" {
			fmt.Fprintln(os.Stderr, "Error: hash-token requires the token to hash")
			fmt.Fprintln(os.Stderr, "Usage: goopcall hash-token <token>")
			os.Exit(1)
		}
		h, err := signaling.HashToken(args[1])
		if err != nil {
			log.Fatalf("Failed to hash token: %v", err)
		}
		fmt.Println(h)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// loadDir resolves dir and loads its config, writing a default one on first run.
func loadDir(dirArg string) (string, string, config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, configFile)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config: %s\n", cfgPath)
	}
	return absDir, cfgPath, cfg
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runCLIPeer(peerDirArg string) {
	absDir, cfgPath, cfg := loadDir(peerDirArg)
	printPeerBanner(absDir, cfgPath, cfg)

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
	_, cfgPath, cfg := loadDir(dirArg)

	fmt.Println("goopcall signaling relay")
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Listening on:   http://%s:%d/signal/{conversation}\n", cfg.Signaling.RelayBind, cfg.Signaling.RelayPort)
	fmt.Println("────────────────────────────────────────────────────────")

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunRelay(ctx, cfg); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("goopcall - peer-to-peer calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall peer <directory>       Run a call participant")
	fmt.Println("  goopcall relay <directory>      Run the HTTP signaling relay")
	fmt.Println("  goopcall hash-token <token>     Print a bcrypt hash for signaling.relay_token_hash")
	fmt.Println()
	fmt.Println("The directory holds goopcall.json; a default one is written on first run.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  goopcall peer ./peers/alice")
	fmt.Println("  goopcall relay ./relay")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                   goopcall Peer Runner                 ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Signaling:      %s\n", cfg.Signaling.Transport)
	fmt.Printf("Media:          %s\n", cfg.Media.Source)
	if n := len(cfg.Conversations); n > 0 {
		fmt.Printf("Conversations:  %d configured\n", n)
	}
	fmt.Println()

	if cfg.Viewer.HTTPAddr != "" {
		_, url, _ := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("📞 Call Viewer:  %s\n", url)
		fmt.Println()
	}

	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
