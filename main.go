package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rag-chat/internal/api"
	"rag-chat/internal/chat"
	"rag-chat/internal/config"
	"rag-chat/internal/crawler"
	"rag-chat/internal/logger"
	"rag-chat/internal/metrics"
	"rag-chat/internal/rag"
	"rag-chat/internal/searxng"
	"rag-chat/internal/store"
	"rag-chat/internal/terminal"
	"rag-chat/internal/ui"
	"rag-chat/internal/watcher"
)

func main() {
	// Set the GetEnv function for config
	config.GetEnv = os.Getenv

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}

	// Resolved once; never re-resolved while running
	rt, err := cfg.Runtime()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, rt, log); err != nil {
		log.Error("exiting with error", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is the root composition: it owns every component and the command loop.
type app struct {
	cfg     *config.Config
	rt      config.Runtime
	log     *zap.Logger
	display *ui.Display
	store   *store.Store
	service *rag.Service
	surface *chat.Surface
	crawler *crawler.Crawler
	search  *searxng.Client // nil when no search instance is configured

	// background submits and uploads
	tasks sync.WaitGroup
}

func run(cfg *config.Config, rt config.Runtime, log *zap.Logger) error {
	display := ui.NewDisplay(os.Stdout, rt.AppName)

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
	}

	client := api.NewClient(rt.APIBaseURL, cfg.RequestTimeout,
		api.WithToken(cfg.APIToken),
		api.WithLogger(log.Named("api")),
		api.WithRecorder(m),
		api.WithUnauthorizedHandler(func() {
			log.Warn("backend rejected credentials")
			display.PrintWarning(fmt.Sprintf("You are not signed in or your session expired. Sign in at %s and set RAGCHAT_API_TOKEN.", rt.LoginURL))
		}),
	)
	service := rag.NewService(client, cfg.UploadTimeout, rag.Limits{
		MaxBytes:         cfg.MaxUploadBytes,
		SupportedFormats: cfg.SupportedFormats,
	})

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storeOpts := []store.Option{store.WithLogger(log.Named("store"))}
	switch cfg.StateBackend {
	case config.BackendFile:
		storeOpts = append(storeOpts, store.WithSnapshotter(store.NewFileSnapshotter(cfg.StatePath)))
	case config.BackendRedis:
		snap := store.NewRedisSnapshotter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKey)
		defer snap.Close()
		storeOpts = append(storeOpts, store.WithSnapshotter(snap))
	}
	st := store.Open(ctx, storeOpts...)

	surface := chat.NewSurface(st, service,
		chat.WithListener(display),
		chat.WithLogger(log.Named("chat")),
		chat.WithMetrics(m),
		chat.WithTopK(cfg.TopK),
		chat.WithUploadDelays(cfg.UploadSuccessDelay, cfg.UploadErrorDelay),
	)
	defer surface.Close()

	a := &app{
		cfg:     cfg,
		rt:      rt,
		log:     log,
		display: display,
		store:   st,
		service: service,
		surface: surface,
		crawler: crawler.NewCrawler(cfg.FetchTimeout, cfg.FetchWorkers, cfg.MaxFetchBytes, cfg.UserAgent, log.Named("crawler")),
	}
	if cfg.SearchURL != "" {
		a.search = searxng.NewClient(cfg.SearchURL, cfg.FetchTimeout, cfg.UserAgent, log.Named("search"))
	}

	log.Info("starting",
		zap.String("environment", string(rt.Environment)),
		zap.String("api_base_url", rt.APIBaseURL),
		zap.String("state_backend", cfg.StateBackend),
	)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			if err := metrics.Serve(gctx, cfg.MetricsAddr, m, log.Named("metrics")); err != nil {
				log.Warn("metrics endpoint stopped", zap.Error(err))
				display.PrintWarning(fmt.Sprintf("Metrics endpoint unavailable: %v", err))
			}
			return nil
		})
	}
	if cfg.WatchDir != "" {
		if err := a.startWatcher(gctx, g); err != nil {
			display.PrintWarning(fmt.Sprintf("Folder watch disabled: %v", err))
		}
	}

	display.PrintWelcome(string(rt.Environment), rt.APIBaseURL)
	surface.RefreshStatus(ctx)
	if conv, ok := st.ActiveConversation(); ok {
		display.PrintTranscript(conv)
	} else {
		display.PrintOnboarding()
	}

	a.loop(ctx, os.Stdin)

	stop()
	a.tasks.Wait()
	g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Close(flushCtx); err != nil {
		log.Warn("failed to save conversations on exit", zap.Error(err))
		display.PrintWarning(fmt.Sprintf("Failed to save conversations: %v", err))
	}

	display.PrintGoodbye()
	return nil
}

// loop reads composer lines until /exit, end of input or cancellation.
func (a *app) loop(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		reader := terminal.NewReader(in)
		for {
			line, err := reader.ReadLine()
			if err != nil {
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	a.display.PrintPrompt()
	for {
		var line string
		select {
		case <-ctx.Done():
			a.display.PrintInfo("Shutting down gracefully...")
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		}

		if cmd, ok := terminal.ParseCommand(line); ok {
			if !a.handleCommand(ctx, cmd) {
				return
			}
			a.display.PrintPrompt()
			continue
		}
		if exitWords[strings.ToLower(line)] {
			return
		}
		if strings.TrimSpace(line) == "" {
			a.display.PrintPrompt()
			continue
		}

		a.submit(ctx, line)
	}
}

var exitWords = map[string]bool{"exit": true, "quit": true}

// submit sends a question in the background so the composer stays usable;
// a second question while one is pending is rejected.
func (a *app) submit(ctx context.Context, line string) {
	if a.surface.Busy() {
		a.display.PrintWarning("Still answering your previous question. Please wait.")
		return
	}
	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		err := a.surface.Submit(ctx, line)
		switch {
		case errors.Is(err, chat.ErrBusy):
			a.display.PrintWarning("Still answering your previous question. Please wait.")
		case err != nil && ctx.Err() == nil:
			a.display.PrintError(err)
		}
		if ctx.Err() == nil {
			a.display.PrintPrompt()
		}
	}()
}

func (a *app) startWatcher(ctx context.Context, g *errgroup.Group) error {
	w, err := watcher.New(a.cfg.SupportedFormats, a.log.Named("watcher"))
	if err != nil {
		return err
	}
	events, err := w.Watch(ctx, a.cfg.WatchDir)
	if err != nil {
		w.Stop()
		return err
	}
	a.display.PrintInfo(fmt.Sprintf("Watching %s for new documents", a.cfg.WatchDir))

	g.Go(func() error {
		defer w.Stop()
		for path := range events {
			a.log.Info("document dropped", zap.String("path", path))
			// Failures are shown on the upload indicator.
			a.surface.UploadFile(ctx, path)
		}
		return nil
	})
	return nil
}

// loadConfig applies defaults, the YAML file, RAGCHAT_* variables and then
// any flags given explicitly, in that order.
func loadConfig(args []string) (*config.Config, error) {
	cfg := config.NewConfig()

	fs := flag.NewFlagSet("rag-chat", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath(), "Path to the YAML config file")
	env := fs.String("env", cfg.Environment, "Backend environment: local, staging or production")
	apiURL := fs.String("api-url", "", "Override the backend base URL for the selected environment")
	token := fs.String("token", "", "Bearer token sent to the backend")
	timeout := fs.Duration("timeout", cfg.RequestTimeout, "Timeout for questions and status requests")
	uploadTimeout := fs.Duration("upload-timeout", cfg.UploadTimeout, "Timeout for document uploads")
	topK := fs.Int("top-k", cfg.TopK, "Number of sources to retrieve per question")
	stateBackend := fs.String("state", cfg.StateBackend, "Conversation storage: file, redis or none")
	statePath := fs.String("state-path", cfg.StatePath, "Conversation file for the file backend")
	redisAddr := fs.String("redis-addr", cfg.RedisAddr, "Redis address for the redis backend")
	logLevel := fs.String("log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	logPath := fs.String("log-file", cfg.LogPath, "Log file path, or stderr")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	watchDir := fs.String("watch", "", "Upload supported documents dropped into this directory")
	searchURL := fs.String("search-url", "", "SearXNG instance used by /search")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.LoadFile(*configPath); err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	// Flags win, but only when given
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "env":
			cfg.Environment = *env
		case "token":
			cfg.APIToken = *token
		case "timeout":
			cfg.RequestTimeout = *timeout
		case "upload-timeout":
			cfg.UploadTimeout = *uploadTimeout
		case "top-k":
			cfg.TopK = *topK
		case "state":
			cfg.StateBackend = *stateBackend
		case "state-path":
			cfg.StatePath = *statePath
		case "redis-addr":
			cfg.RedisAddr = *redisAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-file":
			cfg.LogPath = *logPath
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "watch":
			cfg.WatchDir = *watchDir
		case "search-url":
			cfg.SearchURL = *searchURL
		}
	})

	// After -env, so the override lands on the final environment
	if *apiURL != "" {
		cfg.SetAPIURL(*apiURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
