// Package main provides the entry point for the account rotator CLI.
// It manages a pool of OAuth accounts for one provider, acquires new
// credentials via the provider's OAuth flow, and rotates the active account
// into the host credential store when quota runs out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ForwardInfinity/pi-extensions/internal/api"
	"github.com/ForwardInfinity/pi-extensions/internal/config"
	"github.com/ForwardInfinity/pi-extensions/internal/host"
	"github.com/ForwardInfinity/pi-extensions/internal/logging"
	"github.com/ForwardInfinity/pi-extensions/internal/pool"
	"github.com/ForwardInfinity/pi-extensions/internal/provider"
	"github.com/ForwardInfinity/pi-extensions/internal/rotation"
	"github.com/ForwardInfinity/pi-extensions/internal/util"
	"github.com/ForwardInfinity/pi-extensions/internal/watcher"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

var Version = "dev"

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var configPath string
	var providerName string
	var proxyURL string
	var noBrowser bool
	var debug bool

	flag.StringVar(&configPath, "config", "", "Configure file path")
	flag.StringVar(&providerName, "provider", "", fmt.Sprintf("Provider to manage (%s)", strings.Join(provider.Names(), ", ")))
	flag.StringVar(&proxyURL, "proxy", "", "Proxy URL for OAuth traffic (socks5:// or http(s)://)")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open browser automatically for OAuth")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Usage = usage
	flag.Parse()

	if wd, err := os.Getwd(); err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
			if !errors.Is(errLoad, os.ErrNotExist) {
				log.WithError(errLoad).Warn("failed to load .env file")
			}
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if providerName != "" {
		cfg.Provider = providerName
	}
	if proxyURL != "" {
		cfg.ProxyURL = proxyURL
	}
	if debug || cfg.Debug {
		logging.SetDebug(true)
	}

	adapter, err := provider.Get(cfg.Provider)
	if err != nil {
		log.Fatal(err)
	}

	stateDir, err := util.ResolveStateDir(cfg.StateDir)
	if err != nil {
		log.Fatalf("resolve state directory: %v", err)
	}
	store := pool.NewFileStore(filepath.Join(stateDir, adapter.Name()+"-accounts.json"))
	accounts := pool.NewManager(store)
	bridge := host.NewBridge(stateDir)
	bridge.NotifyFn = func(message string) { fmt.Println(message) }
	bridge.StatusLineFn = func(text string) { log.Debugf("status: %s", text) }
	bridge.PromptFn = promptStdin

	opts := rotation.Options{ProxyURL: cfg.ProxyURL}
	if !noBrowser {
		opts.OpenURL = openBrowser
	}
	engine := rotation.NewEngine(adapter, accounts, bridge, opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := "list"
	var args []string
	if rest := flag.Args(); len(rest) > 0 {
		command = rest[0]
		args = rest[1:]
	}
	if err := run(ctx, command, args, cfg, engine); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, command string, args []string, cfg *config.Config, engine *rotation.Engine) error {
	switch command {
	case "add":
		label := ""
		if len(args) > 0 {
			label = args[0]
		}
		_, err := engine.Add(ctx, label)
		return err
	case "list":
		printList(engine)
		return nil
	case "identify":
		identified, failed := engine.IdentifyAll(ctx)
		fmt.Printf("Identified %d account(s), %d failed.\n", identified, failed)
		return nil
	case "rotate":
		return engine.Rotate(ctx)
	case "remove":
		if len(args) != 1 {
			return errors.New("usage: rotator remove <index>")
		}
		index, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid account index %q", args[0])
		}
		removed, err := engine.Remove(index)
		if err != nil {
			return err
		}
		fmt.Printf("Removed account %s.\n", removed.Label)
		return nil
	case "reset":
		fmt.Printf("Cleared cooldown on %d account(s).\n", engine.Reset())
		return nil
	case "sync":
		engine.SyncFromHost(ctx)
		fmt.Println(engine.Status())
		return nil
	case "serve":
		return serve(ctx, cfg, engine)
	case "help":
		usage()
		return nil
	default:
		return fmt.Errorf("unknown command %q (run 'rotator help')", command)
	}
}

// serve runs the session loop: reconcile with the host store, watch it for
// host-side refreshes, and expose the management API until interrupted.
func serve(ctx context.Context, cfg *config.Config, engine *rotation.Engine) error {
	engine.SessionStart(ctx)
	fmt.Println(engine.Status())

	w := watcher.New(engine.HostAuthPath(), 0, func() { engine.SyncFromHost(ctx) })
	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("auth store watcher stopped: %v", err)
		}
	}()

	server := api.NewServer(cfg, engine)
	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("management API: %w", err)
	}
	return nil
}

func printList(engine *rotation.Engine) {
	rows := engine.List()
	if len(rows) == 0 {
		fmt.Println("No accounts. Run 'rotator add' to authorize one.")
		return
	}
	for _, row := range rows {
		marker := " "
		if row.Current {
			marker = "*"
		}
		state := "available"
		if !row.Available {
			state = fmt.Sprintf("cooling down (%s left)", row.CoolingFor.Round(time.Second))
		}
		line := fmt.Sprintf("%s %d: %s", marker, row.Index, row.Label)
		if row.Email != "" && row.Email != row.Label {
			line += " <" + row.Email + ">"
		}
		fmt.Printf("%s [%s]\n", line, state)
	}
	fmt.Println(engine.Status())
}

func promptStdin(ctx context.Context, message string) (string, error) {
	fmt.Print(message)
	lineCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		var line string
		if _, err := fmt.Scanln(&line); err != nil {
			errCh <- err
			return
		}
		lineCh <- strings.TrimSpace(line)
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errCh:
		return "", err
	case line := <-lineCh:
		return line, nil
	}
}

func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "rotator %s - multi-account OAuth rotation for the agent runtime\n\n", Version)
	_, _ = fmt.Fprintf(out, "Usage: rotator [flags] <command>\n\nCommands:\n")
	_, _ = fmt.Fprint(out, `  add [label]     Authorize a new account (or re-authorize an existing one)
  list            Show the account pool and the active account
  identify        Backfill account identities via the provider
  rotate          Switch to the next available account
  remove <index>  Delete the account at the given index
  reset           Clear all cooldowns
  sync            Reconcile the pool with the host credential store
  serve           Run the session loop with the management API
  help            Show this help

Flags:
`)
	flag.PrintDefaults()
}
