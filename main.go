package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goparty/internal/app"
	"github.com/petervdpas/goparty/internal/config"
)

const cfgName = "goparty.json"

var log = logging.Logger("main")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	session  = flag.String("session", "", "Join this session id instead of the configured one")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goparty v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "peer":
		runPeer(args[1])
	case "init":
		initPeer(args[1])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", command)
		showUsage()
		os.Exit(1)
	}
}

func peerDir(arg string) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		fatalf("Invalid peer directory: %v", err)
	}
	return absDir
}

func initPeer(arg string) {
	absDir := peerDir(arg)
	cfgPath := filepath.Join(absDir, cfgName)

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fatalf("Failed to create config: %v", err)
	}
	if created {
		fmt.Printf("Created %s (session %s)\n", cfgPath, cfg.Session.ID)
	} else {
		fmt.Printf("Config already exists: %s (session %s)\n", cfgPath, cfg.Session.ID)
	}
}

func runPeer(arg string) {
	absDir := peerDir(arg)
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		fatalf("Peer directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, cfgName)
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	if *session != "" {
		cfg.Session.ID = *session
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		fatalf("Peer failed: %v", err)
	}
}

func fatalf(format string, args ...any) {
	log.Errorf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func showUsage() {
	fmt.Println("goparty - peer-to-peer party roster with live latency")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goparty [options] peer <directory>   Run a party member")
	fmt.Println("  goparty init <directory>             Create the directory's goparty.json")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -session <id>  Join this session instead of the configured one")
	fmt.Println("  -h             Show this help message")
	fmt.Println("  -version       Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  goparty init ./peers/alice")
	fmt.Println("  goparty -session 6f1c2e0a-party peer ./peers/bob")
}

func printPeerBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    goparty peer                        ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", dir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Session:        %s\n", cfg.Session.ID)
	if cfg.Profile.Name != "" {
		fmt.Printf("Name:           %s\n", cfg.Profile.Name)
	}
	if cfg.Viewer.HTTPAddr != "" {
		_, url := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("Roster Viewer:  %s/api/roster\n", url)
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
