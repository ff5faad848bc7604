// ABOUTME: Entry point for the bookdrop e-reader file relay
// ABOUTME: Provides serve, health and events subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/bookdrop/internal/config"
	"github.com/2389/bookdrop/internal/gateway"
	"github.com/2389/bookdrop/internal/session"
	"github.com/2389/bookdrop/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                 _       _
| |__   ___   ___ | | ____| |_ __ ___  _ __
| '_ \ / _ \ / _ \| |/ / _' | '__/ _ \| '_ \
| |_) | (_) | (_) |   < (_| | | | (_) | |_) |
|_.__/ \___/ \___/|_|\_\__,_|_|  \___/| .__/
                                      |_|
`

// defaultConfigPath returns $XDG_CONFIG_HOME/bookdrop/config.yaml, falling
// back to ~/.config.
func defaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "bookdrop", "config.yaml")
}

// resolveConfigPath picks the config file.
// Priority: --config flag > BOOKDROP_CONFIG env var > default location.
// The second return value is false for the default location, which may be absent.
func resolveConfigPath(flagPath string) (string, bool) {
	if flagPath != "" {
		return flagPath, true
	}
	if envPath := os.Getenv("BOOKDROP_CONFIG"); envPath != "" {
		return envPath, true
	}
	return defaultConfigPath(), false
}

// loadConfig loads an explicitly named config file, or the default file if
// it exists. Returns the path that was read, or "" when defaults are used.
func loadConfig(flagPath string) (*config.Config, string, error) {
	path, explicit := resolveConfigPath(flagPath)
	if explicit {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, path, nil
	}

	cfg, found, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	if !found {
		return cfg, "", nil
	}
	return cfg, path, nil
}

func usage() {
	fmt.Println("Usage: bookdrop <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the relay server")
	fmt.Println("  health   Check a running server")
	fmt.Println("  events   List recorded transfer events")
	fmt.Println("  version  Print the version")
	fmt.Println()
	fmt.Println("Run 'bookdrop <command> --help' for command flags.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "events":
		err = runEvents(ctx, args)
	case "version", "--version":
		fmt.Printf("bookdrop %s\n", version)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, args []string) error {
	flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configFlag := flagSet.String("config", "", "path to config file (YAML or TOML)")
	addrFlag := flagSet.String("addr", "", "HTTP listen address, overrides server.http_addr")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(*configFlag)
	if err != nil {
		return err
	}
	if *addrFlag != "" {
		cfg.Server.HTTPAddr = *addrFlag
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	if configPath == "" {
		fmt.Print("Config:    ")
		yellow.Println("defaults (no config file)")
	} else {
		fmt.Printf("Config:    %s\n", configPath)
	}
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Scratch:   %s ", cfg.Storage.ScratchDir)
	yellow.Println("(emptied at startup)")
	green.Print("    ▶ ")
	fmt.Printf("Events:    %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Keys:      %s inactivity, %s absolute\n", cfg.Sessions.InactivityTimeout, cfg.Sessions.AbsoluteTimeout)
	fmt.Println()

	logger.Info("starting bookdrop",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"scratch_dir", cfg.Storage.ScratchDir,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context, args []string) error {
	flagSet := pflag.NewFlagSet("health", pflag.ContinueOnError)
	urlFlag := flagSet.String("url", "", "base URL of the server (default: derived from config)")
	configFlag := flagSet.String("config", "", "path to config file")
	readyFlag := flagSet.Bool("ready", false, "check readiness instead of liveness")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	base := *urlFlag
	if base == "" {
		cfg, _, err := loadConfig(*configFlag)
		if err != nil {
			return err
		}
		base = "http://" + localAddr(cfg.Server.HTTPAddr)
	}

	endpoint := strings.TrimSuffix(base, "/") + "/health"
	if *readyFlag {
		endpoint += "/ready"
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	color.Green("healthy")
	if *readyFlag {
		fmt.Println(strings.TrimSpace(string(body)))
	}
	return nil
}

// localAddr turns a wildcard listen address into one a local client can dial.
func localAddr(listen string) string {
	switch {
	case strings.HasPrefix(listen, ":"):
		return "127.0.0.1" + listen
	case strings.HasPrefix(listen, "0.0.0.0:"):
		return "127.0.0.1" + strings.TrimPrefix(listen, "0.0.0.0")
	case strings.HasPrefix(listen, "[::]:"):
		return "[::1]" + strings.TrimPrefix(listen, "[::]")
	}
	return listen
}

func runEvents(ctx context.Context, args []string) error {
	flagSet := pflag.NewFlagSet("events", pflag.ContinueOnError)
	configFlag := flagSet.String("config", "", "path to config file")
	keyFlag := flagSet.String("key", "", "only show events for this pairing key")
	actionFlag := flagSet.String("action", "", "only show events with this action")
	sinceFlag := flagSet.Duration("since", 0, "only show events newer than this (e.g. 24h)")
	limitFlag := flagSet.Int("limit", 50, "maximum number of events")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(*configFlag)
	if err != nil {
		return err
	}

	dbPath := cfg.Database.Path
	if envPath := os.Getenv("BOOKDROP_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == store.MemoryPath {
		return errors.New("database.path is :memory:, no events are persisted")
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer s.Close()

	filter := store.EventFilter{Limit: *limitFlag}
	if *keyFlag != "" {
		key := session.NormalizeKey(*keyFlag)
		filter.SessionKey = &key
	}
	if *actionFlag != "" {
		action := store.Action(*actionFlag)
		filter.Action = &action
	}
	if *sinceFlag > 0 {
		since := time.Now().Add(-*sinceFlag)
		filter.Since = &since
	}

	events, err := s.ListEvents(ctx, filter)
	if err != nil {
		return fmt.Errorf("listing events: %w", err)
	}

	if len(events) == 0 {
		fmt.Println("No events.")
		return nil
	}

	printEvents(os.Stdout, events)
	return nil
}

// printEvents writes events oldest first, one per line.
func printEvents(w io.Writer, events []store.Event) {
	gray := color.New(color.FgHiBlack)
	cyan := color.New(color.FgCyan)

	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		gray.Fprintf(w, "%s ", e.Timestamp.Local().Format("2006-01-02 15:04:05"))
		cyan.Fprintf(w, "%s ", e.SessionKey)
		actionColor(e.Action).Fprintf(w, "%-17s", e.Action)
		if e.Device != "" {
			fmt.Fprintf(w, " %s", e.Device)
		}
		if detail := formatDetail(e.Detail); detail != "" {
			gray.Fprintf(w, " %s", detail)
		}
		fmt.Fprintln(w)
	}
}

func actionColor(a store.Action) *color.Color {
	switch a {
	case store.ActionConversionFailed, store.ActionDenied:
		return color.New(color.FgRed)
	case store.ActionRemoved, store.ActionCleared:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}

// formatDetail renders event detail as sorted key=value pairs.
func formatDetail(detail map[string]any) string {
	if len(detail) == 0 {
		return ""
	}
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, detail[k]))
	}
	return strings.Join(parts, " ")
}
