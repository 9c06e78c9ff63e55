package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/docsmithlabs/docsmith/internal/agents"
	"github.com/docsmithlabs/docsmith/internal/archive"
	"github.com/docsmithlabs/docsmith/internal/config"
	"github.com/docsmithlabs/docsmith/internal/events"
	"github.com/docsmithlabs/docsmith/internal/httpapi"
	"github.com/docsmithlabs/docsmith/internal/inference"
	"github.com/docsmithlabs/docsmith/internal/jobs"
	"github.com/docsmithlabs/docsmith/internal/loop"
	"github.com/docsmithlabs/docsmith/internal/metrics"
	"github.com/docsmithlabs/docsmith/internal/ocr"
	"github.com/docsmithlabs/docsmith/internal/pipeline"
	"github.com/docsmithlabs/docsmith/internal/review"
	"github.com/docsmithlabs/docsmith/internal/storage"
	"github.com/docsmithlabs/docsmith/internal/templates"
	"github.com/docsmithlabs/docsmith/internal/vector"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the docsmith daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running docsmith daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docsmith system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "docsmith.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "docsmith version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if cfg.Server.APIToken == "" {
		return fmt.Errorf("missing API token; set environment variable DOCSMITH_API_TOKEN")
	}

	// Write PID file. Check if the daemon is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("docsmith is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("docsmith is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()

	// Check inference server readiness and pull missing models.
	inf := inference.New(cfg.Inference.BaseURL, collector)
	models := []string{
		cfg.Inference.FastModel,
		cfg.Inference.DeepModel,
		cfg.Inference.VisionModel,
		cfg.Inference.EmbedModel,
	}
	if err := inference.EnsureModels(ctx, inf, models, os.Stderr); err != nil {
		return err
	}

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Archive client and prompt templates.
	docs := archive.New(cfg.Archive.BaseURL, cfg.Archive.Token)
	tmpl, err := templates.New(cfg.Templates.Dir)
	if err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}
	if err := tmpl.Watch(ctx); err != nil {
		slog.Warn("template reload disabled", "error", err)
	}

	// Build the extraction pipeline.
	bus := events.NewBus(1024)
	machine := pipeline.New(docs, bus)
	reviews := review.NewService(store, docs, machine, bus, collector)
	engine := loop.New(reviews, bus, collector)
	embedder := vector.NewEmbedder(inf, cfg.Inference.EmbedModel)
	index := vector.NewIndex(store.DB())
	extractor := ocr.New(docs, inf, tmpl, cfg.Inference.VisionModel, cfg.OCR.MaxPages)
	processor := agents.NewProcessor(agents.Deps{
		Docs:      docs,
		Inference: inf,
		Engine:    engine,
		Machine:   machine,
		Reviews:   reviews,
		Extractor: extractor,
		Templates: tmpl,
		Index:     index,
		Embedder:  embedder,
	}, agents.Options{
		DeepModel:  cfg.Inference.DeepModel,
		FastModel:  cfg.Inference.FastModel,
		MaxRetries: cfg.Loop.MaxRetries,
	})
	manager := jobs.New(jobs.Deps{
		Docs:      docs,
		Extractor: extractor,
		Processor: processor,
		Machine:   machine,
		Reviews:   reviews,
		Store:     store,
		Index:     index,
		Embedder:  embedder,
	}, bus, collector, float64(cfg.Jobs.RateLimit))

	// Build HTTP handler and server.
	handler := httpapi.NewHandler(httpapi.Deps{
		Reviews:   reviews,
		Jobs:      manager,
		Docs:      docs,
		Processor: processor,
		Bus:       bus,
		Index:     index,
		Collector: collector,
		Token:     cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (SSE transport on its own port).
	mcpSrv := httpapi.NewMCPServer(httpapi.MCPDeps{
		Docs:     docs,
		Reviews:  reviews,
		Index:    index,
		Embedder: embedder,
	})
	mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
	sseSrv := server.NewSSEServer(mcpSrv)
	go func() {
		if err := sseSrv.Start(mcpAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("MCP server error", "error", err)
		}
	}()
	slog.Info("MCP server listening", "addr", mcpAddr)

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "docsmith listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sseSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("MCP server shutdown", "error", err)
	}
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
		printError("docsmith is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop docsmith (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to docsmith (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check daemon health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Check inference server.
	infResp, err := client.Get(cfg.Inference.BaseURL + "/api/version")
	if err != nil {
		printStatus("Inference", "not running")
	} else {
		infResp.Body.Close()
		printStatus("Inference", "running at %s", cfg.Inference.BaseURL)
	}

	// Show models.
	printStatus("Fast model", "%s", cfg.Inference.FastModel)
	printStatus("Deep model", "%s", cfg.Inference.DeepModel)
	printStatus("Vision model", "%s", cfg.Inference.VisionModel)
	printStatus("Embed model", "%s", cfg.Inference.EmbedModel)

	// Show queue and job counts if the daemon is running.
	if cfg.Server.APIToken != "" && resp != nil && resp.StatusCode == 200 {
		stResp, err := apiGet(ctx, client, serverURL+"/status", cfg.Server.APIToken)
		if err == nil {
			var st struct {
				ReviewsOpen int `json:"reviews_open"`
				Blocked     int `json:"blocked"`
				IndexedDocs int `json:"indexed_docs"`
				Jobs        map[string]struct {
					Status    string `json:"status"`
					Processed int    `json:"processed"`
					Total     int    `json:"total"`
				} `json:"jobs"`
			}
			if json.NewDecoder(stResp.Body).Decode(&st) == nil {
				printStatus("Open reviews", "%d", st.ReviewsOpen)
				printStatus("Blocked names", "%d", st.Blocked)
				printStatus("Indexed docs", "%d", st.IndexedDocs)
				kinds := make([]string, 0, len(st.Jobs))
				for kind := range st.Jobs {
					kinds = append(kinds, kind)
				}
				sort.Strings(kinds)
				for _, kind := range kinds {
					if j := st.Jobs[kind]; j.Status == "running" {
						printStatus("Job "+kind, "running (%d/%d)", j.Processed, j.Total)
					}
				}
			}
			stResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(ctx context.Context, client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
