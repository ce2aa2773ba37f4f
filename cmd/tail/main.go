// Command tail connects to a relay and prints the biodiversity events it
// decodes, one JSON object per line. It keeps no state.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/biosky/ingester/pkg/client"
	"github.com/biosky/ingester/pkg/consumer"
	"github.com/biosky/ingester/pkg/ingester"
	"github.com/biosky/ingester/pkg/models"
	"github.com/biosky/ingester/pkg/schedulers/sequential"
	"github.com/biosky/ingester/pkg/sink"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:  "tail",
		Usage: "print biodiversity record events from a relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "relay-url",
				Value:   client.DefaultRelayURL,
				EnvVars: []string{"INGESTER_RELAY_URL"},
			},
			&cli.Int64Flag{
				Name:  "cursor",
				Usage: "relay sequence number to start from",
			},
			&cli.StringFlag{
				Name:  "collections-config",
				Usage: "YAML file mapping event kinds to collection NSIDs",
			},
			&cli.BoolFlag{
				Name:  "commits",
				Usage: "also print a line for every commit seen",
			},
			&cli.DurationFlag{
				Name:  "stats-interval",
				Value: 5 * time.Second,
			},
		},
		Action: tail,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type printer struct {
	out     io.Writer
	printed atomic.Int64
}

func (p *printer) HandleEvent(_ context.Context, evt *models.Event) error {
	data, err := sink.Encode(evt)
	if err != nil {
		return err
	}
	p.printed.Add(1)
	_, err = fmt.Fprintln(p.out, string(data))
	return err
}

func tail(cctx *cli.Context) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelInfo,
		AddSource: true,
	})))
	logger := slog.Default()

	p := &printer{out: os.Stdout}
	scheduler := sequential.NewScheduler("tail", logger, p.HandleEvent)
	defer scheduler.Shutdown()

	handle := func(ctx context.Context, evt *models.Event) error {
		return scheduler.AddWork(ctx, evt.Did, evt)
	}

	var collections *consumer.Collections
	if path := cctx.String("collections-config"); path != "" {
		var err error
		if collections, err = consumer.LoadCollections(path); err != nil {
			return err
		}
	}

	var commits atomic.Int64
	handlers := consumer.Handlers{
		OnOccurrence:     handle,
		OnIdentification: handle,
		OnComment:        handle,
		OnCommit: func(_ context.Context, meta models.CommitMeta) {
			commits.Add(1)
			if cctx.Bool("commits") {
				fmt.Fprintf(os.Stdout, "{\"commit\":%d,\"time\":%q}\n", meta.Seq, meta.Time)
			}
		},
		OnMaxReconnectAttempts: func() {
			logger.Error("giving up on relay")
		},
	}

	var cursor *int64
	if cctx.IsSet("cursor") {
		c := cctx.Int64("cursor")
		cursor = &c
	}

	in, err := ingester.New(ingester.Options{
		RelayURL:      cctx.String("relay-url"),
		InitialCursor: cursor,
		Collections:   collections,
		Handlers:      handlers,
		UserAgent:     "biosky-tail/v0.1.0",
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := in.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(cctx.Duration("stats-interval"))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return in.Stop()
		case <-in.Done():
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay connection stopped")
		case <-ticker.C:
			seq, _ := in.Cursor()
			logger.Info("stats", "commits", commits.Load(), "events", p.printed.Load(), "cursor", seq, "state", in.State())
		}
	}
}
