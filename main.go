package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/term"

	"library-circulation/auth"
	"library-circulation/circulation"
	"library-circulation/config"
	"library-circulation/feed"
	"library-circulation/library"
	"library-circulation/logger"
	"library-circulation/metrics"
	"library-circulation/notify"
	"library-circulation/querycache"
	"library-circulation/session"
)

// app is every component of one CLI process.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	hub      *feed.Hub
	relay    *feed.RedisRelay
	db       *library.Database
	cache    *querycache.Cache
	manager  *library.LibraryManager
	notifier *notify.Dispatcher
	provider *auth.LocalProvider
	session  *session.Store
	loans    *circulation.Service

	stopSession func()
	stdin       *bufio.Reader
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	log = log.With(zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))

	a := &app{cfg: cfg, logger: log, stdin: bufio.NewReader(os.Stdin)}
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	a.hub = feed.NewHub(
		feed.WithLogger(log.Named("feed")),
		feed.WithMetrics(a.metrics),
		feed.WithBufferSize(cfg.Feed.BufferSize))
	if cfg.Redis.Enabled {
		a.relay, err = feed.NewRedisRelay(ctx, &redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, a.hub,
			feed.WithRelayChannel(cfg.Redis.Channel),
			feed.WithRelayLogger(log.Named("relay")),
			feed.WithReconnectBackoff(cfg.Feed.ReconnectBackoff, cfg.Feed.MaxBackoff))
		if err != nil {
			// Without the relay other processes see our writes late, not never.
			log.Warn("change relay unavailable, continuing without it", zap.Error(err))
		} else {
			a.hub.AttachRelay(a.relay)
		}
	}

	a.db, err = library.NewDatabase(cfg.Database.Path,
		library.WithPublisher(a.hub),
		library.WithLogger(log.Named("store")),
		library.WithBusyTimeout(cfg.Database.BusyTimeout))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	mode, err := querycache.ParseNetworkMode(cfg.Cache.NetworkMode)
	if err != nil {
		a.close()
		return nil, err
	}
	queryOpts := querycache.Options{
		StaleTime:   cfg.Cache.StaleTime,
		Retry:       cfg.Cache.Retry,
		RetryDelay:  querycache.ExponentialBackoff(cfg.Feed.ReconnectBackoff, cfg.Cache.MaxRetryDelay),
		NetworkMode: mode,
	}
	a.cache = querycache.New(
		querycache.WithDefaults(queryOpts),
		querycache.WithGCTime(cfg.Cache.GCTime),
		querycache.WithLogger(log.Named("cache")),
		querycache.WithMetrics(a.metrics))
	a.manager = library.NewLibraryManager(a.db, a.cache, library.WithQueryOptions(queryOpts))

	a.notifier = notify.NewDispatcher(a.db,
		notify.WithQueueSize(cfg.Notify.QueueSize),
		notify.WithMailRate(cfg.Notify.MailRate, cfg.Notify.MailBurst),
		notify.WithFromAddress(cfg.Notify.FromAddress),
		notify.WithMailer(notify.NewLogMailer(log.Named("mail"))),
		notify.WithProfiles(a.db),
		notify.WithLogger(log.Named("notify")),
		notify.WithMetrics(a.metrics))

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessTokenTTL)
	a.provider = auth.NewLocalProvider(a.db, tokens,
		auth.WithTokenFile(cfg.Auth.TokenFile),
		auth.WithBcryptCost(cfg.Auth.BcryptCost),
		auth.WithLogger(log.Named("auth")))

	a.session = session.NewStore(a.provider, a.db,
		session.NewFileSnapshotStore(cfg.App.DataDir, cfg.Session.SnapshotKey),
		session.WithLogger(log.Named("session")),
		session.WithLoginHook(a.recordLogin))

	a.loans = circulation.NewService(a.db,
		circulation.WithCache(a.cache),
		circulation.WithNotifier(a.notifier),
		circulation.WithLogger(log.Named("circulation")),
		circulation.WithMetrics(a.metrics))

	a.stopSession, err = a.session.Initialize(ctx)
	if err != nil {
		log.Warn("session restore failed", zap.Error(err))
	}
	return a, nil
}

func (a *app) recordLogin(_ context.Context, user *library.Profile) {
	a.notifier.Enqueue(notify.Event{
		Type:    library.NotifyLogin,
		UserID:  user.ID,
		Email:   user.Email,
		Message: fmt.Sprintf("New sign-in as %s.", user.Email),
	})
}

func (a *app) close() {
	if a.stopSession != nil {
		a.stopSession()
	}
	if a.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Notify.DrainTimeout)
		if err := a.notifier.Close(ctx); err != nil {
			a.logger.Warn("pending side effects dropped", zap.Error(err))
		}
		cancel()
	}
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.logger.Warn("failed to close change relay", zap.Error(err))
		}
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close database", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// readPassword securely reads a password with masking
func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Println() // Add newline after password input
	return strings.TrimSpace(string(bytePassword)), nil
}

// readLine prompts for one line of input.
func (a *app) readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := a.stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, cleanup := newRootCmd()
	err := root.ExecuteContext(ctx)
	cleanup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
