package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/racelog/internal/analysis"
	"github.com/kalambet/racelog/internal/api"
	"github.com/kalambet/racelog/internal/certstore"
	"github.com/kalambet/racelog/internal/config"
	"github.com/kalambet/racelog/internal/identity"
	"github.com/kalambet/racelog/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the racelog server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running racelog server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show racelog system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the archive tools over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "racelog.pid")
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

func setupLogging(cfg config.Config) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return logger
}

// archiveBackend is what both the HTTP API and the MCP tools read from.
type archiveBackend interface {
	api.ArchiveStore
	Close() error
}

func openArchiveStore(ctx context.Context, cfg config.Config) (archiveBackend, error) {
	switch cfg.Storage.Backend {
	case config.BackendFirestore:
		s, err := storage.OpenFirestore(ctx, cfg.Storage.FirestoreProject, cfg.Storage.FirestoreCollection)
		if err != nil {
			return nil, fmt.Errorf("opening firestore: %w", err)
		}
		return s, nil
	default:
		s, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		return s, nil
	}
}

// openCertificates picks GCS when a bucket is configured and the local
// directory otherwise. The returned close func is never nil.
func openCertificates(ctx context.Context, cfg config.Config) (certstore.Store, func() error, error) {
	if cfg.Certificates.Bucket != "" {
		g, err := certstore.OpenGCS(ctx, cfg.Certificates.Bucket)
		if err != nil {
			return nil, nil, fmt.Errorf("opening certificate bucket: %w", err)
		}
		return g, g.Close, nil
	}
	l, err := certstore.NewLocal(cfg.CertificatesDir())
	if err != nil {
		return nil, nil, fmt.Errorf("opening certificate dir: %w", err)
	}
	return l, func() error { return nil }, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "racelog version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)

	// Refuse to start twice: check the health endpoint before taking the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("racelog is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("racelog is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openArchiveStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()
	logger.Info("archive store ready", "backend", cfg.Storage.Backend)

	certs, closeCerts, err := openCertificates(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCerts()

	analyzer := analysis.New(cfg.Analysis.BaseURL,
		analysis.WithTimeout(cfg.Analysis.Timeout),
		analysis.WithAthleteAlias(cfg.Analysis.AthleteAlias),
		analysis.WithLogger(logger),
	)
	if err := analysis.WaitReady(ctx, analyzer, 5*time.Second, os.Stderr); err != nil {
		logger.Warn("uploads will fail until the analysis service is up", "error", err)
	}

	deps := api.AppDeps{
		Store:        store,
		Analyzer:     analyzer,
		Certificates: certs,
		Logger:       logger,
	}
	if cfg.Auth.JWTSecret != "" {
		v, err := identity.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			return fmt.Errorf("building token verifier: %w", err)
		}
		deps.Verifier = v
	} else {
		logger.Warn("auth.jwt_secret not set; every request is served anonymously")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	// Each upload holds its connection for the whole analysis call.
	ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewAppHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("racelog listening", "addr", addr, "max_connections", cfg.Server.MaxConnections)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the protocol; logs stay on stderr.
	logger := setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openArchiveStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Version: version})
	stdioSrv := server.NewStdioServer(mcpSrv)
	logger.Info("MCP server started (stdio transport)")
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("racelog is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop racelog (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to racelog (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if analysis.New(cfg.Analysis.BaseURL).IsRunning(checkCtx) {
		printStatus("Analysis", "running at %s", cfg.Analysis.BaseURL)
	} else {
		printStatus("Analysis", "not reachable at %s", cfg.Analysis.BaseURL)
	}

	switch cfg.Storage.Backend {
	case config.BackendFirestore:
		printStatus("Storage", "firestore (%s/%s)", cfg.Storage.FirestoreProject, cfg.Storage.FirestoreCollection)
	default:
		printStatus("Storage", "sqlite (%s)", cfg.Storage.DataDir)
	}
	if cfg.Certificates.Bucket != "" {
		printStatus("Certificates", "gs://%s", cfg.Certificates.Bucket)
	} else {
		printStatus("Certificates", "%s", cfg.CertificatesDir())
	}

	if cfg.Auth.Token == "" {
		printStatus("Login", "anonymous (run racelog login)")
		return nil
	}
	if !running {
		printStatus("Login", "token stored")
		return nil
	}
	c := &apiClient{baseURL: serverURL, token: cfg.Auth.Token, httpClient: client}
	id, err := whoAmI(ctx, c)
	if err != nil {
		printStatus("Login", "token rejected: %v", err)
		return nil
	}
	printStatus("Login", "%s", describeIdentity(id))
	if r, err := c.get(ctx, "/archives"); err == nil {
		var list []storage.Archive
		if decodeJSON(r, &list) == nil {
			printStatus("Archives", "%d", len(list))
		}
	}
	return nil
}
