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
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"

	"github.com/ameya051/chat-with-pdf/internal/api"
	"github.com/ameya051/chat-with-pdf/internal/config"
	"github.com/ameya051/chat-with-pdf/internal/ingest"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the ingestion workers (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		noWorker, _ := cmd.Flags().GetBool("no-worker")
		return runServer(!noWorker)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the ingestion workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running chatpdf server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve questions and job status over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func init() {
	serveCmd.Flags().Bool("no-worker", false, "do not process uploads in this process")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "chatpdf.pid")
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

func loadServerConfig() (config.Config, error) {
	cfg, err := requireConfig()
	if err != nil {
		return cfg, err
	}
	if err := cfg.RequireCredentials(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// workers runs the polling pool and, with the nsq transport, a consumer
// feeding published ids into the same pool.
type workers struct {
	pool     *ingest.Pool
	consumer *nsq.Consumer
	wg       sync.WaitGroup
}

func startWorkers(ctx context.Context, a *app) (*workers, error) {
	w := &workers{pool: a.newPool()}

	if a.cfg.Queue.Transport == "nsq" {
		var nsqdAddrs []string
		if a.cfg.Queue.NSQDAddr != "" {
			nsqdAddrs = []string{a.cfg.Queue.NSQDAddr}
		}
		consumer, err := ingest.NewNSQConsumer(ingest.ConsumerConfig{
			Topic:        a.cfg.Queue.Topic,
			Channel:      a.cfg.Queue.Channel,
			Concurrency:  a.cfg.Worker.Concurrency,
			NSQDAddrs:    nsqdAddrs,
			LookupAddrs:  a.cfg.Queue.LookupAddrs,
			LeaseTimeout: a.cfg.Worker.LeaseTimeout,
		}, ingest.NewNSQHandler(ctx, w.pool))
		if err != nil {
			return nil, err
		}
		w.consumer = consumer
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pool.Run(ctx)
	}()
	slog.Info("ingestion workers started",
		"concurrency", a.cfg.Worker.Concurrency,
		"transport", a.cfg.Queue.Transport,
		"vector_backend", a.cfg.Vector.Backend,
	)
	return w, nil
}

// wait blocks until in-flight jobs have been released or finished.
func (w *workers) wait() {
	if w.consumer != nil {
		w.consumer.Stop()
		<-w.consumer.StopChan
	}
	w.wg.Wait()
	st := w.pool.Stats()
	slog.Info("ingestion workers stopped", "completed", st.Completed, "failed", st.Failed, "retried", st.Retried)
}

func runServer(withWorkers bool) error {
	fmt.Fprintf(os.Stderr, "chatpdf version %s\n", version)

	cfg, err := loadServerConfig()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(strings.TrimRight(cfg.Server.BaseURL, "/") + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running at %s", cfg.Server.BaseURL)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			printWarning("closing resources: %v", err)
		}
	}()

	if err := a.ensureOllama(ctx, os.Stderr); err != nil {
		return err
	}
	if err := a.checkGenerationModel(ctx); err != nil {
		return err
	}

	queue, stopQueue, err := a.newQueue()
	if err != nil {
		return err
	}
	defer stopQueue()

	// Workers get their own context so HTTP shutdown can finish first.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	var w *workers
	if withWorkers {
		if w, err = startWorkers(workCtx, a); err != nil {
			return err
		}
	}

	handler := api.NewRouter(api.Deps{
		Queue:          queue,
		Query:          a.query,
		Jobs:           a.store,
		Chunks:         a.vectors,
		UploadDir:      cfg.Server.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		Token:          cfg.Server.APIToken,
		Logger:         a.logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "chatpdf listening on %s\n", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}

	cancelWork()
	if w != nil {
		w.wait()
	}
	return serveErr
}

func runWorker() error {
	cfg, err := loadServerConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ensureOllama(ctx, os.Stderr); err != nil {
		return err
	}

	w, err := startWorkers(ctx, a)
	if err != nil {
		return err
	}
	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "shutting down...")
	w.wait()
	return nil
}

func runMCP() error {
	cfg, err := loadServerConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.checkGenerationModel(ctx); err != nil {
		return err
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Query:   a.query,
		Jobs:    a.store,
		Version: version,
	})
	slog.Info("MCP server started (stdio transport)")
	err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := requireConfig()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("chatpdf is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop chatpdf (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to chatpdf (PID %d)", pid)
	return nil
}
