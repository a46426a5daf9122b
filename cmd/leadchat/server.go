package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/leadchat/internal/api"
	"github.com/kalambet/leadchat/internal/backend"
	"github.com/kalambet/leadchat/internal/config"
	"github.com/kalambet/leadchat/internal/session"
	logx "github.com/kalambet/leadchat/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local gateway (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway and backend status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the lead tools over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "leadchat.pid")
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

func gatewayURL(cfg config.Config) string {
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
}

func runServer() error {
	fmt.Fprintf(stderr, "leadchat version %s\n", version)

	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	log := logx.WithComponent("serve")

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	log.Info().Msg("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(gatewayURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("leadchat is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("leadchat is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := api.NewHub(logx.WithComponent("hub"))
	rt, err := openRuntime(cfg, hub.Listener)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			fmt.Fprintf(stderr, "warning: closing runtime: %v\n", err)
		}
	}()

	handler := api.NewGatewayHandler(api.GatewayDeps{
		Registry: rt.registry,
		Hub:      hub,
		Journal:  rt.store,
		Defaults: cfg.RequestDefaults(),
		Token:    apiToken,
		Metrics:  promhttp.HandlerFor(rt.promReg, promhttp.HandlerOpts{}),
		Logger:   logx.WithComponent("gateway"),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(stderr, "leadchat listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		rt.sweeper().Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Open SSE streams end with the base context; Shutdown waits for them.
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runMCP() error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	rt, err := openRuntime(cfg, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	s := api.NewMCPServer(api.MCPDeps{
		Registry: rt.registry,
		Journal:  rt.store,
		Defaults: cfg.RequestDefaults(),
		Version:  version,
	})
	log := logx.WithComponent("mcp")
	log.Info().Msg("MCP server started (stdio transport)")
	return server.ServeStdio(s)
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
		printError("leadchat is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop leadchat (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to leadchat (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	running := false
	client := &apiClient{
		baseURL:    gatewayURL(cfg),
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	if err := client.health(ctx); err != nil {
		printStatus("Gateway", "stopped")
	} else {
		running = true
		printStatus("Gateway", "running on port %d", cfg.Server.Port)
	}

	if err := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey).Health(ctx); err != nil {
		printStatus("Backend", "unreachable at %s", cfg.Backend.BaseURL)
	} else {
		printStatus("Backend", "reachable at %s", cfg.Backend.BaseURL)
	}

	if running {
		if token, err := config.GetAPIToken(config.NewKeychain()); err == nil {
			client.token = token
			var convs []session.Summary
			if err := client.getJSON(ctx, "/conversations", &convs); err == nil {
				printStatus("Conversations", "%s", conversationSummary(convs))
			}
		}
	}

	printStatus("Default source", "%s", cfg.Session.DefaultSource)
	printStatus("Challenge store", "%s", cfg.Storage.ChallengeBackend)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
