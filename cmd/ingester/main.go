package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/biosky/ingester/pkg/archive"
	"github.com/biosky/ingester/pkg/client"
	"github.com/biosky/ingester/pkg/consumer"
	"github.com/biosky/ingester/pkg/cursorstore"
	"github.com/biosky/ingester/pkg/ingester"
	"github.com/biosky/ingester/pkg/models"
	"github.com/biosky/ingester/pkg/schedulers/parallel"
	"github.com/biosky/ingester/pkg/sink"
	"github.com/biosky/ingester/pkg/sink/kafka"
	"github.com/biosky/ingester/pkg/sink/redis"
	"github.com/cockroachdb/pebble"
	"github.com/ericvolp12/bsky-experiments/pkg/tracing"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
)

func main() {
	app := cli.App{
		Name:    "ingester",
		Usage:   "biodiversity record ingester for the atproto relay stream",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "relay-url",
			Usage:   "relay to subscribe to, the subscribeRepos path is appended when missing",
			Value:   client.DefaultRelayURL,
			EnvVars: []string{"INGESTER_RELAY_URL"},
		},
		&cli.Int64Flag{
			Name:    "cursor",
			Usage:   "relay sequence number to start from when no cursor is stored",
			EnvVars: []string{"INGESTER_CURSOR"},
		},
		&cli.StringFlag{
			Name:    "collections-config",
			Usage:   "YAML file mapping event kinds to collection NSIDs",
			EnvVars: []string{"INGESTER_COLLECTIONS_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "addr to serve echo on",
			Value:   ":6009",
			EnvVars: []string{"INGESTER_LISTEN_ADDR"},
		},
		&cli.StringFlag{
			Name:    "data-dir",
			Usage:   "directory to store data (pebbleDB)",
			Value:   "./data",
			EnvVars: []string{"INGESTER_DATA_DIR"},
		},
		&cli.DurationFlag{
			Name:    "event-ttl",
			Usage:   "how long archived events are kept for replay",
			Value:   72 * time.Hour,
			EnvVars: []string{"INGESTER_EVENT_TTL"},
		},
		&cli.Float64Flag{
			Name:    "replay-rate-limit",
			Usage:   "max archived events per second replayed to one subscriber",
			Value:   10_000,
			EnvVars: []string{"INGESTER_REPLAY_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "cursor-store",
			Usage:   "where the resume cursor is kept (pebble or postgres)",
			Value:   "pebble",
			EnvVars: []string{"INGESTER_CURSOR_STORE"},
		},
		&cli.StringFlag{
			Name:    "postgres-url",
			Usage:   "postgres connection string for the postgres cursor store",
			EnvVars: []string{"INGESTER_POSTGRES_URL"},
		},
		&cli.DurationFlag{
			Name:    "cursor-save-interval",
			Usage:   "how often the cursor is persisted",
			Value:   5 * time.Second,
			EnvVars: []string{"INGESTER_CURSOR_SAVE_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "liveness-interval",
			Usage:   "shut down when the cursor has not moved for this long",
			Value:   15 * time.Second,
			EnvVars: []string{"INGESTER_LIVENESS_INTERVAL"},
		},
		&cli.IntFlag{
			Name:    "worker-count",
			Usage:   "number of workers delivering events downstream",
			Value:   10,
			EnvVars: []string{"INGESTER_WORKER_COUNT"},
		},
		&cli.IntFlag{
			Name:    "max-reconnect-attempts",
			Usage:   "consecutive failed reconnects before giving up, negative retries forever",
			Value:   10,
			EnvVars: []string{"INGESTER_MAX_RECONNECT_ATTEMPTS"},
		},
		&cli.DurationFlag{
			Name:    "backoff-initial",
			Usage:   "delay before the first reconnect",
			Value:   time.Second,
			EnvVars: []string{"INGESTER_BACKOFF_INITIAL"},
		},
		&cli.DurationFlag{
			Name:    "backoff-max",
			Usage:   "cap on the reconnect delay",
			Value:   30 * time.Second,
			EnvVars: []string{"INGESTER_BACKOFF_MAX"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "publish events to this redis (redis://host:port/db)",
			EnvVars: []string{"INGESTER_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "redis-channel",
			Usage:   "redis pub/sub channel prefix",
			Value:   redis.DefaultChannel,
			EnvVars: []string{"INGESTER_REDIS_CHANNEL"},
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "publish events to these kafka brokers (comma separated)",
			EnvVars: []string{"INGESTER_KAFKA_BROKERS"},
		},
		&cli.StringFlag{
			Name:    "kafka-topic",
			Usage:   "kafka topic for events",
			Value:   kafka.DefaultTopic,
			EnvVars: []string{"INGESTER_KAFKA_TOPIC"},
		},
	}

	app.Action = Ingester

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var tracer = otel.Tracer("Ingester")

// killSwitch is closed at most once by whichever background task fails first.
type killSwitch struct {
	once sync.Once
	ch   chan struct{}
}

func newKillSwitch() *killSwitch { return &killSwitch{ch: make(chan struct{})} }

func (k *killSwitch) Kill() { k.once.Do(func() { close(k.ch) }) }

func (k *killSwitch) C() <-chan struct{} { return k.ch }

// Ingester is the main function for the ingester service
func Ingester(cctx *cli.Context) error {
	ctx := cctx.Context

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	log.Info("starting ingester")

	// Registers a tracer Provider globally if the exporter endpoint is set
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		log.Info("initializing tracer...")
		shutdown, err := tracing.InstallExportPipeline(ctx, "Ingester", 0.01)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() {
			if err := shutdown(ctx); err != nil {
				log.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	var collections *consumer.Collections
	if path := cctx.String("collections-config"); path != "" {
		var err error
		if collections, err = consumer.LoadCollections(path); err != nil {
			return err
		}
		log.Info("loaded collections", "collections", collections.Names())
	}

	if err := os.MkdirAll(cctx.String("data-dir"), 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	db, err := pebble.Open(filepath.Join(cctx.String("data-dir"), "ingester.db"), &pebble.Options{})
	if err != nil {
		return fmt.Errorf("failed to open pebble db: %w", err)
	}
	defer db.Close()

	events, err := archive.New(db, cctx.Duration("event-ttl"), log)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	store, err := openCursorStore(ctx, cctx, db)
	if err != nil {
		return err
	}
	defer store.Close()
	retrying := cursorstore.NewRetrying(store, log)

	sinks, err := openSinks(cctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			log.Error("failed to close sinks", "error", err)
		}
	}()

	// The server reads status from the ingester, which is built below.
	status := &lateStatus{}
	s := NewServer(events, status, cctx.Float64("replay-rate-limit"), log)

	deliver := func(ctx context.Context, evt *models.Event) error {
		var errs []error
		if err := events.Persist(ctx, evt); err != nil {
			deliveryFailures.WithLabelValues("archive").Inc()
			errs = append(errs, err)
		}
		if err := sinks.Publish(ctx, evt); err != nil {
			deliveryFailures.WithLabelValues("sink").Inc()
			errs = append(errs, err)
		}
		if err := s.Emit(ctx, evt); err != nil {
			deliveryFailures.WithLabelValues("fanout").Inc()
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	scheduler := parallel.NewScheduler(cctx.Int("worker-count"), "biosky", log, deliver)

	// Delivery outlives the relay connection so queued events drain on shutdown.
	enqueue := func(ctx context.Context, evt *models.Event) error {
		return scheduler.AddWork(context.WithoutCancel(ctx), evt.Did, evt)
	}

	var initialCursor *int64
	if cctx.IsSet("cursor") {
		c := cctx.Int64("cursor")
		initialCursor = &c
	}

	in, err := ingester.New(ingester.Options{
		RelayURL:      cctx.String("relay-url"),
		InitialCursor: initialCursor,
		Collections:   collections,
		CursorStore:   retrying,
		Handlers: consumer.Handlers{
			OnOccurrence:     enqueue,
			OnIdentification: enqueue,
			OnComment:        enqueue,
			OnMaxReconnectAttempts: func() {
				log.Error("relay unreachable, giving up")
			},
		},
		MaxReconnectAttempts: cctx.Int("max-reconnect-attempts"),
		Backoff: &client.BackoffConfig{
			Initial:    cctx.Duration("backoff-initial"),
			Max:        cctx.Duration("backoff-max"),
			Multiplier: 2,
			Jitter:     0.1,
		},
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("failed to create ingester: %w", err)
	}
	status.set(in)

	// A cursor that cannot be persisted is fatal.
	cursorKill := newKillSwitch()
	shutdownCursorManager := make(chan struct{})
	cursorManagerShutdown := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cctx.Duration("cursor-save-interval"))
		defer ticker.Stop()
		log := log.With("source", "cursor_manager")

		for {
			select {
			case <-shutdownCursorManager:
				log.Info("shutting down cursor manager")
				if err := in.SaveCursor(context.Background()); err != nil {
					log.Error("failed to write final cursor", "error", err)
				}
				log.Info("cursor manager shut down successfully")
				close(cursorManagerShutdown)
				return
			case <-ticker.C:
				if err := in.SaveCursor(ctx); err != nil {
					log.Error("failed to write cursor, shutting down", "error", err)
					cursorKill.Kill()
				}
			}
		}
	}()

	// Shut down if a live connection stops moving the cursor so the
	// supervisor restarts us. Dropped connections are the client's to retry.
	livenessKill := newKillSwitch()
	shutdownLivenessChecker := make(chan struct{})
	livenessCheckerShutdown := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cctx.Duration("liveness-interval"))
		defer ticker.Stop()
		var stalls stallDetector
		log := log.With("source", "liveness_checker")

		for {
			select {
			case <-shutdownLivenessChecker:
				log.Info("shutting down liveness checker")
				close(livenessCheckerShutdown)
				return
			case <-ticker.C:
				if stalls.Check(in) {
					seq, _ := in.Cursor()
					log.Error("no new events since last liveness check, shutting down", "seq", seq)
					livenessKill.Kill()
					continue
				}
				if err := events.Trim(ctx); err != nil {
					log.Error("failed to trim events", "error", err)
				}
				seq, _ := in.Cursor()
				log.Info("successful liveness check and trim", "seq", seq, "state", in.State().String())
			}
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "biosky ingester: connect to /subscribe for events")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/health", s.HandleHealth)
	e.GET("/subscribe", s.HandleSubscribe)

	httpServer := &http.Server{
		Addr:    cctx.String("listen-addr"),
		Handler: e,
	}

	shutdownEcho := make(chan struct{})
	echoShutdown := make(chan struct{})
	go func() {
		logger := log.With("source", "echo_server")
		logger.Info("echo server listening", "addr", cctx.String("listen-addr"))

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("failed to start echo server", "error", err)
			}
		}()
		<-shutdownEcho
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown echo server", "error", err)
		}
		logger.Info("echo server shut down")
		close(echoShutdown)
	}()

	if err := in.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ingester: %w", err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		log.Info("shutting down on signal")
	case <-ctx.Done():
		log.Info("shutting down on context done")
	case <-livenessKill.C():
		log.Info("shutting down on liveness kill")
	case <-cursorKill.C():
		log.Info("shutting down on cursor persistence failure")
	case <-in.Done():
		log.Info("shutting down after relay connection stopped")
	}

	log.Info("shutting down, waiting for workers to clean up...")
	if err := in.Stop(); err != nil {
		log.Error("failed to close relay connection", "error", err)
	}
	scheduler.Shutdown()

	close(shutdownLivenessChecker)
	close(shutdownCursorManager)
	close(shutdownEcho)

	<-livenessCheckerShutdown
	<-cursorManagerShutdown
	<-echoShutdown
	log.Info("shut down successfully")

	select {
	case <-cursorKill.C():
		return errors.New("cursor persistence failed")
	default:
	}
	return nil
}

func openCursorStore(ctx context.Context, cctx *cli.Context, db *pebble.DB) (cursorstore.Store, error) {
	switch kind := cctx.String("cursor-store"); kind {
	case "pebble":
		return cursorstore.NewPebble(db), nil
	case "postgres":
		store, err := cursorstore.OpenPostgres(ctx, cursorstore.PostgresConfig{
			DSN:    cctx.String("postgres-url"),
			Stream: streamName(cctx.String("relay-url")),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres cursor store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cursor store %q", kind)
	}
}

// streamName keys the stored cursor by relay host so one database can serve
// ingesters pointed at different relays.
func streamName(relayURL string) string {
	u, err := url.Parse(relayURL)
	if err != nil || u.Host == "" {
		return relayURL
	}
	return u.Host
}

func openSinks(cctx *cli.Context) (sink.Multi, error) {
	var sinks sink.Multi
	if u := cctx.String("redis-url"); u != "" {
		r, err := redis.New(redis.Config{
			URL:     u,
			Channel: cctx.String("redis-channel"),
			PerKind: true,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, r)
	}
	if brokers := cctx.String("kafka-brokers"); brokers != "" {
		k, err := kafka.New(kafka.Config{Brokers: brokers, Topic: cctx.String("kafka-topic")})
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, k)
	}
	return sinks, nil
}

// lateStatus lets the server be built before the ingester it reports on.
type lateStatus struct {
	mu sync.RWMutex
	in *ingester.Ingester
}

func (l *lateStatus) set(in *ingester.Ingester) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.in = in
}

func (l *lateStatus) get() *ingester.Ingester {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.in
}

func (l *lateStatus) State() client.State {
	if in := l.get(); in != nil {
		return in.State()
	}
	return client.StateDisconnected
}

func (l *lateStatus) Cursor() (int64, bool) {
	if in := l.get(); in != nil {
		return in.Cursor()
	}
	return 0, false
}

func (l *lateStatus) LastProcessedAt() time.Time {
	if in := l.get(); in != nil {
		return in.LastProcessedAt()
	}
	return time.Time{}
}
