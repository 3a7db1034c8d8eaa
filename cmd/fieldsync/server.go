package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/fieldsync/internal/api"
	"github.com/kalambet/fieldsync/internal/config"
	"github.com/kalambet/fieldsync/internal/conflict"
	"github.com/kalambet/fieldsync/internal/connectivity"
	"github.com/kalambet/fieldsync/internal/outbox"
	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/remote"
	"github.com/kalambet/fieldsync/internal/schema"
	"github.com/kalambet/fieldsync/internal/storage"
	"github.com/kalambet/fieldsync/internal/syncer"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the fieldsync server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running fieldsync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", true, "serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "fieldsync.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openStore opens the local store and registers the schema's collections.
// A store that cannot be used is closed before returning.
func openStore(ctx context.Context, dataDir string, sch schema.Schema) (*storage.Store, error) {
	store, err := storage.Open(dataDir)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureCollections(ctx, sch); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "fieldsync version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice against the same data dir.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("fieldsync is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("fieldsync is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	// An unwritable data dir is not fatal: the server falls back to passthrough.
	if err := writePIDFile(pidPath); err != nil {
		slog.Warn("could not write PID file", "path", pidPath, "error", err)
	} else {
		defer removePIDFile(pidPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sch, err := schema.Load(cfg.Storage.SchemaFile)
	if err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}

	client, err := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token, cfg.Remote.Timeout)
	if err != nil {
		return fmt.Errorf("configuring remote client: %w", err)
	}

	hub := api.NewHub()
	go hub.Run(ctx)

	monitor := connectivity.NewMonitor(false)
	events, unsubscribe := monitor.Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range events {
			slog.Info("connectivity changed", "event", ev.String())
			hub.ConnectivityChanged(ev == connectivity.WentOnline)
		}
	}()
	monitor.ProbeOnce(ctx, client, cfg.Remote.HealthEndpoint())
	go monitor.Probe(ctx, client, cfg.Remote.HealthEndpoint(), cfg.Sync.ProbeInterval)

	appDeps := api.AppDeps{Hub: hub, Token: apiToken}
	mcpDeps := api.MCPDeps{}

	store, err := openStore(ctx, cfg.Storage.DataDir, sch)
	switch {
	case errors.Is(err, storage.ErrUnavailable):
		slog.Warn("local storage unavailable, running in passthrough mode", "error", err)
		hub.StorageUnavailable(err)
		appDeps.Writer = outbox.NewPassthrough(sch, client)
		mcpDeps.Writer = appDeps.Writer
	case err != nil:
		return fmt.Errorf("opening storage: %w", err)
	default:
		defer func() {
			if err := store.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
			}
		}()

		strategy, err := conflict.ParseStrategy(cfg.Sync.DefaultStrategy)
		if err != nil {
			return err
		}

		q := queue.New(store)
		drainer := syncer.NewDrainer(q, client, monitor, hub, cfg.Remote.Timeout)
		puller := syncer.NewPuller(store, client, conflict.StaticChooser(strategy), hub)
		orch := syncer.NewOrchestrator(drainer, puller, monitor, hub, syncer.Options{
			AutoSync:     cfg.Sync.AutoSync,
			PullInterval: cfg.Sync.PullInterval,
		})
		go orch.Run(ctx)

		// Mutations left over from a previous run go out as soon as possible.
		if monitor.IsOnline() {
			orch.RequestDrain()
		}

		writer := outbox.NewWriter(sch, store, q, orch)
		appDeps.Store, appDeps.Queue, appDeps.Writer, appDeps.Sync = store, q, writer, orch
		mcpDeps = api.MCPDeps{Store: store, Queue: q, Writer: writer, Sync: orch}
	}

	if mcpStdio {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(mcpDeps))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewAppHandler(appDeps),
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "fieldsync listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("fieldsync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop fieldsync (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to fieldsync (PID %d)", pid)
	return nil
}
