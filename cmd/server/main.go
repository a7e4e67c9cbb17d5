package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quickcall-dev/devpulse/internal/auth"
	"github.com/quickcall-dev/devpulse/internal/config"
	"github.com/quickcall-dev/devpulse/internal/feed"
	"github.com/quickcall-dev/devpulse/internal/mcp"
	"github.com/quickcall-dev/devpulse/internal/source/git"
	"github.com/quickcall-dev/devpulse/internal/source/github"
	"github.com/quickcall-dev/devpulse/internal/source/slack"
	"github.com/quickcall-dev/devpulse/internal/sqlite"
	"github.com/quickcall-dev/devpulse/internal/transport"
)

var version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	// Use stderr for logs in stdio mode to keep stdout clean for JSON-RPC.
	logWriter := io.Writer(os.Stdout)
	if cfg.Transport == "stdio" {
		logWriter = os.Stderr
	}
	if cfg.Log.Path != "" {
		fileWriter, file, err := newLogFileWriter(cfg.Log.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "log file error: %v\n", err)
		} else {
			defer file.Close()
			logWriter = fileWriter
		}
	}
	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))

	workdir := cfg.Workdir
	if workdir == "" {
		if wd, err := os.Getwd(); err == nil {
			workdir = wd
		}
	}

	store := auth.NewStore(auth.DefaultPath(), logger)
	resolver := auth.NewResolver(store, workdir)
	flow := auth.NewDeviceFlow(cfg.QuickCall.APIURL, cfg.QuickCall.WebURL, store, logger)

	gitSource := git.New(logger)
	githubSource := github.New(githubTokenFunc(resolver, flow), logger,
		github.WithAvailabilityCheck(localCheck(resolver.HasGitHub)))
	slackSource := slack.New(slackTokenFunc(resolver, flow), logger,
		slack.WithAvailabilityCheck(localCheck(resolver.HasSlack)))

	aggregatorOpts := []feed.Option{
		feed.WithFetchTimeout(time.Duration(cfg.Feed.FetchTimeoutSeconds) * time.Second),
	}

	// The run log is best-effort: a broken database degrades to running
	// without history, never blocks serving.
	var runs mcp.RunLister
	if cfg.DB.Path != "" {
		if runLog, closeDB, err := openRunLog(cfg.DB.Path); err != nil {
			logger.Warn("run log disabled", "error", err)
		} else {
			defer closeDB()
			runs = runLog
			aggregatorOpts = append(aggregatorOpts, feed.WithRunRecorder(runLog, uuid.NewString))
		}
	}

	aggregator := feed.NewAggregator(
		[]feed.Source{gitSource, githubSource, slackSource},
		logger,
		aggregatorOpts...,
	)

	mcpServer := mcp.NewServer(mcp.Config{
		Services: mcp.Services{
			Aggregator: aggregator,
			GitHub:     githubSource,
			Slack:      slackSource,
			Runs:       runs,
			Flow:       flow,
			Store:      store,
		},
		Version: version,
		Workdir: workdir,
		Logger:  logger,
	})

	if cfg.Transport == "stdio" {
		runStdioMode(logger, mcpServer)
	} else {
		runHTTPMode(logger, mcpServer, cfg)
	}
}

// localCheck adapts a resolver presence probe to the source
// availability contract. Availability must never touch the network;
// the token funcs below may, so they are only called at fetch time.
func localCheck(has func() bool) func(context.Context) error {
	return func(context.Context) error {
		if has() {
			return nil
		}
		return auth.ErrNotAuthenticated
	}
}

// githubTokenFunc resolves a GitHub token per call: local resolution
// first (env, config files, stored PAT), then a fresh QuickCall
// installation token. Per call because installation tokens are
// short-lived and integrations can change from the web side.
func githubTokenFunc(resolver *auth.Resolver, flow *auth.DeviceFlow) github.TokenFunc {
	return func(ctx context.Context) (string, error) {
		cred := resolver.GitHub()
		switch cred.Source {
		case auth.SourceEnvVar, auth.SourceProjectConfig, auth.SourceHomeConfig:
			if cred.Active() {
				return cred.Secret, nil
			}
		}
		if resolver.QuickCall().Active() {
			remote, err := flow.FetchRemote(ctx)
			if err != nil {
				return "", err
			}
			if remote.GitHubConnected && remote.GitHubToken != "" {
				return remote.GitHubToken, nil
			}
		}
		if cred.Active() {
			return cred.Secret, nil
		}
		return "", auth.ErrNotAuthenticated
	}
}

func slackTokenFunc(resolver *auth.Resolver, flow *auth.DeviceFlow) slack.TokenFunc {
	return func(ctx context.Context) (string, error) {
		if cred := resolver.Slack(); cred.Active() && cred.Source == auth.SourceEnvVar {
			return cred.Secret, nil
		}
		if resolver.QuickCall().Active() {
			remote, err := flow.FetchRemote(ctx)
			if err != nil {
				return "", err
			}
			if remote.SlackConnected && remote.SlackBotToken != "" {
				return remote.SlackBotToken, nil
			}
		}
		if cred := resolver.Slack(); cred.Active() {
			return cred.Secret, nil
		}
		return "", auth.ErrNotAuthenticated
	}
}

func openRunLog(path string) (*sqlite.RunLog, func(), error) {
	if err := ensureDBDir(path); err != nil {
		return nil, nil, fmt.Errorf("preparing database path: %w", err)
	}
	db, err := sqlite.New(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.RunMigrations(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	return sqlite.NewRunLog(db), func() { db.Close() }, nil
}

func runStdioMode(logger *slog.Logger, mcpServer *mcp.Server) {
	logger.Info("starting stdio transport")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	// Run blocks until stdin closes or context is canceled.
	if err := mcpServer.Run(ctx, &sdkmcp.StdioTransport{}); err != nil {
		logger.Error("stdio server error", "error", err)
		os.Exit(1)
	}
}

func runHTTPMode(logger *slog.Logger, mcpServer *mcp.Server, cfg config.Config) {
	mcpHandler := sdkmcp.NewStreamableHTTPHandler(
		func(r *http.Request) *sdkmcp.Server { return mcpServer.SDK() },
		&sdkmcp.StreamableHTTPOptions{
			Stateless:      false,
			SessionTimeout: 30 * time.Minute,
		},
	)

	router := transport.NewRouter(mcpHandler, cfg.Server.AuthToken, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	waitForShutdown(logger, httpServer)
}

func ensureDBDir(path string) error {
	if path == ":memory:" || path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func waitForShutdown(logger *slog.Logger, server *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const (
	maxLogSizeBytes  = 6 * 1024 * 1024
	keepLogSizeBytes = 5 * 1024 * 1024
)

// logFileWriter appends to a single log file and truncates it back to
// keepLogSizeBytes once it grows past maxLogSizeBytes. Long-running
// stdio servers otherwise fill the disk silently.
type logFileWriter struct {
	path string
	file *os.File
	mu   sync.Mutex
}

func newLogFileWriter(path string) (*logFileWriter, *os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	writer := &logFileWriter{path: path, file: file}
	if err := writer.truncateIfNeeded(); err != nil {
		return nil, nil, err
	}
	return writer, file, nil
}

func (w *logFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.file.Write(p)
	if err != nil {
		return n, err
	}
	if err := w.truncateIfNeeded(); err != nil {
		return n, err
	}
	return n, nil
}

func (w *logFileWriter) truncateIfNeeded() error {
	info, err := w.file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size <= maxLogSizeBytes {
		return nil
	}

	buf := make([]byte, keepLogSizeBytes)
	if _, err := w.file.Seek(size-keepLogSizeBytes, io.SeekStart); err != nil {
		return err
	}
	n, err := w.file.Read(buf)
	if err != nil && err != io.EOF {
		return err
	}
	buf = buf[:n]

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.file.Write(buf); err != nil {
		return err
	}
	_, err = w.file.Seek(0, io.SeekEnd)
	return err
}
