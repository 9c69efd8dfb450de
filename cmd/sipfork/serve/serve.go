// Package servecmder provides the serve command that runs a sipfork instance.
package servecmder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/papercomputeco/sipfork/api"
	"github.com/papercomputeco/sipfork/cmd/sipfork/sqlitepath"
	"github.com/papercomputeco/sipfork/pkg/config"
	"github.com/papercomputeco/sipfork/pkg/eventstream"
	eventkafka "github.com/papercomputeco/sipfork/pkg/eventstream/kafka"
	"github.com/papercomputeco/sipfork/pkg/eventstream/nop"
	"github.com/papercomputeco/sipfork/pkg/fork"
	"github.com/papercomputeco/sipfork/pkg/logger"
	"github.com/papercomputeco/sipfork/pkg/metrics"
	"github.com/papercomputeco/sipfork/pkg/push"
	pushkafka "github.com/papercomputeco/sipfork/pkg/push/kafka"
	"github.com/papercomputeco/sipfork/pkg/reactor"
	"github.com/papercomputeco/sipfork/pkg/sip/relay"
	"github.com/papercomputeco/sipfork/pkg/storage"
	"github.com/papercomputeco/sipfork/pkg/storage/inmemory"
	"github.com/papercomputeco/sipfork/pkg/storage/postgres"
	"github.com/papercomputeco/sipfork/pkg/storage/sqlite"
	"github.com/papercomputeco/sipfork/pkg/telemetry"
	"github.com/papercomputeco/sipfork/router"
)

const shutdownTimeout = 30 * time.Second

type ServeCommander struct {
	flags struct {
		apiListen    string
		storage      string
		sqlitePath   string
		postgresDSN  string
		forkLate     bool
		evictAfter   string
		workers      uint
		pushService  string
		kafkaBrokers string
		otlpEndpoint string
	}

	debug     bool
	jsonLogs  bool
	logFile   string
	configDir string

	viper  *viper.Viper
	logger *slog.Logger
}

// Settings is the resolved configuration of one serve run.
type Settings struct {
	APIListen string

	StorageDriver string
	SQLitePath    string
	PostgresDSN   string

	Router router.Config

	PushService string
	PushTopic   string
	SIPTopic    string

	Brokers      []string
	EventTopic   string
	OTLPEndpoint string
}

const serveLongDesc string = `Run a sipfork instance.

The instance restores every fork found in storage, then serves the admin and
ingress API. Forks whose branches all answered are written to storage and
dropped from memory until a response or a new registration needs them.

Configuration comes from flags, SIPFORK_* environment variables and
config.toml in the .sipfork/ directory, in that order.

Examples:
  sipfork serve
  sipfork serve --storage postgres --postgres postgres://localhost/sipfork
  sipfork serve --kafka-brokers kafka-1:9092,kafka-2:9092 --push-service kafka`

const serveShortDesc string = "Run a sipfork instance"

var serveFlagKeys = []string{
	config.FlagAPIListen,
	config.FlagStorage,
	config.FlagSQLite,
	config.FlagPostgres,
	config.FlagForkLate,
	config.FlagEvictAfter,
	config.FlagWorkers,
	config.FlagPushService,
	config.FlagKafkaBrokers,
	config.FlagOTLPEndpoint,
}

func NewServeCmd() *cobra.Command {
	cmder := &ServeCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")
			cmder.viper, err = config.InitViper(cmder.configDir)
			if err != nil {
				return err
			}
			config.BindRegisteredFlags(cmder.viper, cmd, config.ServeFlags, serveFlagKeys)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}
			return cmder.run(cmd.Context())
		},
	}

	config.AddStringFlag(cmd, config.ServeFlags, config.FlagAPIListen, &cmder.flags.apiListen)
	config.AddStringFlag(cmd, config.ServeFlags, config.FlagStorage, &cmder.flags.storage)
	config.AddStringFlag(cmd, config.ServeFlags, config.FlagSQLite, &cmder.flags.sqlitePath)
	config.AddStringFlag(cmd, config.ServeFlags, config.FlagPostgres, &cmder.flags.postgresDSN)
	config.AddBoolFlag(cmd, config.ServeFlags, config.FlagForkLate, &cmder.flags.forkLate)
	config.AddStringFlag(cmd, config.ServeFlags, config.FlagEvictAfter, &cmder.flags.evictAfter)
	config.AddUintFlag(cmd, config.ServeFlags, config.FlagWorkers, &cmder.flags.workers)
	config.AddStringFlag(cmd, config.ServeFlags, config.FlagPushService, &cmder.flags.pushService)
	config.AddStringFlag(cmd, config.ServeFlags, config.FlagKafkaBrokers, &cmder.flags.kafkaBrokers)
	config.AddStringFlag(cmd, config.ServeFlags, config.FlagOTLPEndpoint, &cmder.flags.otlpEndpoint)

	cmd.Flags().BoolVar(&cmder.jsonLogs, "json-logs", false, "Write JSON logs instead of pretty console output")
	cmd.Flags().StringVar(&cmder.logFile, "log-file", "", "Also write JSON logs to this file")

	return cmd
}

// ResolveSettings reads the serve settings from v.
func ResolveSettings(v *viper.Viper) (*Settings, error) {
	durations := map[string]time.Duration{}
	for _, key := range []string{
		"router.delivery_timeout",
		"router.evict_after",
		"router.sweep_interval",
		"push.call_interval",
		"push.ringing_timeout",
	} {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("invalid %s: negative duration", key)
		}
		durations[key] = d
	}

	var brokers []string
	for _, item := range v.GetStringSlice("eventstream.brokers") {
		brokers = append(brokers, config.SplitList(item)...)
	}

	instance, _ := os.Hostname()

	s := &Settings{
		APIListen:     v.GetString("api.listen"),
		StorageDriver: v.GetString("storage.driver"),
		SQLitePath:    v.GetString("storage.sqlite_path"),
		PostgresDSN:   v.GetString("storage.postgres_dsn"),
		Router: router.Config{
			Fork: fork.Config{
				ForkLate:        v.GetBool("router.fork_late"),
				DeliveryTimeout: durations["router.delivery_timeout"],
			},
			EvictAfter:    durations["router.evict_after"],
			SweepInterval: durations["router.sweep_interval"],
			Workers:       v.GetUint("router.workers"),
			QueueSize:     v.GetUint("router.queue_size"),
			Push: push.Config{
				CallInterval:   durations["push.call_interval"],
				RingingTimeout: durations["push.ringing_timeout"],
			},
			Instance: instance,
		},
		PushService:  v.GetString("push.service"),
		PushTopic:    v.GetString("push.topic"),
		SIPTopic:     v.GetString("sip.topic"),
		Brokers:      brokers,
		EventTopic:   v.GetString("eventstream.topic"),
		OTLPEndpoint: v.GetString("telemetry.otlp_endpoint"),
	}

	switch s.PushService {
	case config.PushServiceLog:
	case config.PushServiceKafka:
		if len(s.Brokers) == 0 {
			return nil, errors.New("push service kafka needs eventstream.brokers")
		}
	default:
		return nil, fmt.Errorf("unknown push service %q", s.PushService)
	}

	return s, nil
}

func (c *ServeCommander) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	closeLog, err := c.setupLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	settings, err := ResolveSettings(c.viper)
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.Setup(ctx, "sipfork", settings.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			c.logger.Warn("failed to flush traces", "error", err)
		}
	}()

	store, err := c.openStore(ctx, settings)
	if err != nil {
		return err
	}
	defer store.Close()

	stats := metrics.New()
	clock := clockwork.NewRealClock()

	rctx, stopReactor := context.WithCancel(context.Background())
	defer stopReactor()
	reac := reactor.New(clock)
	go func() {
		_ = reac.Run(rctx)
	}()

	pushService, closePush, err := c.newPushService(settings)
	if err != nil {
		return err
	}
	defer closePush()

	publisher, err := c.newPublisher(settings)
	if err != nil {
		return err
	}
	defer publisher.Close()

	sipRelay, err := c.newRelay(settings)
	if err != nil {
		return err
	}
	defer sipRelay.Close()

	rt, err := router.New(&settings.Router, router.Deps{
		Store:      store,
		Dispatcher: sipRelay,
		Responder:  sipRelay,
		Push:       pushService,
		Reactor:    reac,
		Publisher:  publisher,
		Logger:     c.logger,
		Clock:      clock,
		Metrics:    stats,
	})
	if err != nil {
		return fmt.Errorf("creating router: %w", err)
	}

	restored, err := rt.Restore(ctx)
	if err != nil {
		c.logger.Error("could not list stored forks", "error", err)
	} else {
		c.logger.Info("restored forks from storage", "count", restored)
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		_ = rt.Run(sweepCtx)
	}()

	apiServer := api.NewServer(api.Config{ListenAddr: settings.APIListen}, rt, stats.Registry(), c.logger)

	errChan := make(chan error, 1)
	go func() {
		if err := apiServer.Run(); err != nil {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	var runErr error
	select {
	case runErr = <-errChan:
	case <-ctx.Done():
		c.logger.Info("received signal, shutting down")
	}

	if err := apiServer.Shutdown(); err != nil {
		c.logger.Warn("API server shutdown failed", "error", err)
	}
	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		c.logger.Error("router shutdown incomplete", "error", err)
		runErr = errors.Join(runErr, err)
	}

	return runErr
}

// setupLogger builds the console logger, teeing JSON records to --log-file
// when set.
func (c *ServeCommander) setupLogger() (func(), error) {
	console := logger.New(
		logger.WithDebug(c.debug),
		logger.WithPretty(!c.jsonLogs),
		logger.WithJSON(c.jsonLogs),
	)

	if c.logFile == "" {
		c.logger = console
		return func() {}, nil
	}

	f, err := os.OpenFile(c.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	c.logger = logger.Multi(console, logger.New(
		logger.WithDebug(c.debug),
		logger.WithJSON(true),
		logger.WithWriter(f),
	))
	return func() { _ = f.Close() }, nil
}

func (c *ServeCommander) openStore(ctx context.Context, s *Settings) (storage.Driver, error) {
	switch s.StorageDriver {
	case config.StorageInMemory:
		c.logger.Warn("using in-memory storage, evicted forks are lost on exit")
		return inmemory.NewDriver(), nil

	case config.StorageSQLite:
		path, err := sqlitepath.ResolveSQLitePath(s.SQLitePath, c.configDir)
		if err != nil {
			return nil, err
		}
		store, err := sqlite.NewDriver(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite storage: %w", err)
		}
		c.logger.Info("using SQLite storage", "path", path)
		return store, nil

	case config.StoragePostgres:
		if s.PostgresDSN == "" {
			return nil, errors.New("storage.postgres_dsn is required for postgres storage")
		}
		store, err := postgres.NewDriver(ctx, s.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL storage: %w", err)
		}
		c.logger.Info("using PostgreSQL storage")
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", s.StorageDriver)
	}
}

func (c *ServeCommander) newPushService(s *Settings) (push.Service, func(), error) {
	if s.PushService != config.PushServiceKafka {
		return push.NewLogService(c.logger), func() {}, nil
	}

	svc, err := pushkafka.NewService(s.Brokers, s.PushTopic)
	if err != nil {
		return nil, nil, fmt.Errorf("creating kafka push service: %w", err)
	}
	c.logger.Info("sending pushes through kafka", "topic", s.PushTopic)
	return svc, func() { closeQuietly(c.logger, "push service", svc) }, nil
}

func (c *ServeCommander) newPublisher(s *Settings) (eventstream.Publisher, error) {
	if len(s.Brokers) == 0 {
		return nop.NewPublisher(), nil
	}

	pub, err := eventkafka.NewPublisher(eventkafka.Config{
		Brokers: s.Brokers,
		Topic:   s.EventTopic,
	})
	if err != nil {
		return nil, fmt.Errorf("creating kafka publisher: %w", err)
	}
	c.logger.Info("publishing fork events", "topic", s.EventTopic)
	return pub, nil
}

func (c *ServeCommander) newRelay(s *Settings) (*relay.Relay, error) {
	if len(s.Brokers) == 0 {
		return relay.NewWithWriter(relay.NewLogWriter(c.logger), c.logger), nil
	}

	r, err := relay.New(s.Brokers, s.SIPTopic, c.logger)
	if err != nil {
		return nil, fmt.Errorf("creating sip relay: %w", err)
	}
	c.logger.Info("relaying sip traffic", "topic", s.SIPTopic)
	return r, nil
}

func closeQuietly(log *slog.Logger, name string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.Warn("close failed", "component", name, "error", err)
	}
}
