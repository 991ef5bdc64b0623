package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"

	"opsdesk/internal/infra/config"
	"opsdesk/internal/infra/logger"
	"opsdesk/internal/infra/tracer"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// command is one subcommand of the binary.
type command struct {
	summary string
	run     func() error
}

var commands = map[string]command{
	"serve":   {"Run the HTTP API (default)", runServe},
	"agents":  {"List the registered agents and their tools", runAgents},
	"doctor":  {"Run health checks on your setup", runDoctor},
	"version": {"Print the build version", func() error { fmt.Println("opsdesk", version); return nil }},
}

func main() {
	name := "serve"
	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "-") {
		name = os.Args[1]
	}
	if name == "help" || slices.Contains(os.Args[1:], "-h") || slices.Contains(os.Args[1:], "--help") {
		usage(os.Stdout)
		return
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", name)
		usage(os.Stderr)
		os.Exit(2)
	}
	if err := cmd.run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "opsdesk - operations assistant API for small manufacturing teams")
	fmt.Fprintln(w, "\nUsage: opsdesk [command] [--config PATH]\n\nCommands:")
	tw := tabwriter.NewWriter(w, 0, 4, 3, ' ', 0)
	for _, name := range slices.Sorted(maps.Keys(commands)) {
		fmt.Fprintf(tw, "  %s\t%s\n", name, commands[name].summary)
	}
	tw.Flush()
	fmt.Fprintln(w, "\nConfig is read from --config, $OPSDESK_CONFIG or ./config.yaml.")
	fmt.Fprintln(w, "OPSDESK_* variables override it; .env.local and .env are loaded first.")
}

// configPath resolves the config file from --config, OPSDESK_CONFIG or the
// working directory.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("OPSDESK_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFiles(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	app, cleanup, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	srv, err := initGateway(ctx, cfg, app, log)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	log.Info("opsdesk ready",
		"version", version,
		"addr", cfg.Gateway.Addr,
		"database", cfg.Database.Driver,
		"providers", app.Providers.List(),
		"agents", app.Agents.IDs(),
		"tools", len(app.Tools.Names()),
		"audit", cfg.Security.Audit.Enabled,
	)

	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info("opsdesk stopped")
	return nil
}

func runAgents() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	agents, err := initAgents(cfg, nil)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDRAFT ONLY\tTOOLS")
	for _, a := range agents.List() {
		marker := ""
		if a.ID == cfg.Agents.Default {
			marker = " (default)"
		}
		fmt.Fprintf(w, "%s%s\t%s\t%v\t%s\n", a.ID, marker, a.Name, a.DraftOnly, strings.Join(a.Tools, ", "))
	}
	return w.Flush()
}
