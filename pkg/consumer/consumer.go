package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/biosky/ingester/pkg/frame"
	"github.com/biosky/ingester/pkg/models"
	"github.com/biosky/ingester/pkg/records"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Consumer turns decoded relay frames into domain events
type Consumer struct {
	SocketURL   string
	Progress    *Progress
	Collections *Collections

	dispatch map[models.Kind]EventFunc
	onCommit func(context.Context, models.CommitMeta)
	logger   *slog.Logger
}

var tracer = otel.Tracer("consumer")

// NewConsumer creates a new consumer. A nil collections table means the
// built-in one.
func NewConsumer(
	logger *slog.Logger,
	socketURL string,
	collections *Collections,
	handlers Handlers,
) *Consumer {
	if collections == nil {
		collections = DefaultCollections()
	}

	return &Consumer{
		SocketURL:   socketURL,
		Progress:    NewProgress(),
		Collections: collections,
		dispatch:    handlers.dispatchTable(),
		onCommit:    handlers.OnCommit,
		logger:      logger.With("component", "consumer"),
	}
}

// HandleFrame handles one decoded frame from the relay
func (c *Consumer) HandleFrame(ctx context.Context, f *frame.Frame) error {
	ctx, span := tracer.Start(ctx, "HandleFrame")
	defer span.End()

	if f.IsError() {
		framesProcessedCounter.WithLabelValues("error", c.SocketURL).Inc()
		name, _ := f.Body.Get("error")
		msg, _ := f.Body.Get("message")
		return fmt.Errorf("error from relay: %s: %s", name.Text, msg.Text)
	}
	if f.Header.Op != frame.OpMessage {
		framesProcessedCounter.WithLabelValues("unknown", c.SocketURL).Inc()
		c.logger.Warn("unknown frame op", "op", f.Header.Op)
		return nil
	}

	switch f.Header.Type {
	case frame.TypeCommit:
		framesProcessedCounter.WithLabelValues("commit", c.SocketURL).Inc()
		evt, err := ParseCommit(f.Body)
		if err != nil {
			commitsDroppedCounter.WithLabelValues(c.SocketURL).Inc()
			c.logger.Error("failed to parse commit", "error", err)
			return nil
		}
		c.HandleCommit(ctx, evt)
	case frame.TypeIdentity, frame.TypeAccount, frame.TypeHandle, frame.TypeTombstone:
		framesProcessedCounter.WithLabelValues(strings.TrimPrefix(f.Header.Type, "#"), c.SocketURL).Inc()
		// These carry no records but share the commit sequence, so they
		// still move the cursor forward.
		if v, ok := f.Body.Get("seq"); ok {
			if seq, ok := v.AsInt64(); ok {
				c.Progress.Update(seq, time.Now())
				lastSeqGauge.WithLabelValues(c.SocketURL).Set(float64(seq))
			}
		}
	case frame.TypeInfo:
		framesProcessedCounter.WithLabelValues("info", c.SocketURL).Inc()
		name, _ := f.Body.Get("name")
		msg, _ := f.Body.Get("message")
		c.logger.Info("info from relay", "name", name.Text, "message", msg.Text)
	default:
		framesProcessedCounter.WithLabelValues("other", c.SocketURL).Inc()
		c.logger.Debug("ignoring frame", "type", f.Header.Type)
	}

	return nil
}

// HandleCommit processes a repo commit, emitting the commit observed event
// and one domain event per operation on a recognised collection
func (c *Consumer) HandleCommit(ctx context.Context, evt *models.Commit) {
	ctx, span := tracer.Start(ctx, "HandleCommit")
	defer span.End()

	if !evt.HasSeq || !evt.HasTime {
		commitsDroppedCounter.WithLabelValues(c.SocketURL).Inc()
		c.logger.Debug("dropping commit without seq or time", "repo", evt.Repo)
		return
	}

	processedAt := time.Now()
	c.Progress.Update(evt.Seq, processedAt)
	lastSeqGauge.WithLabelValues(c.SocketURL).Set(float64(evt.Seq))

	span.SetAttributes(attribute.String("repo", evt.Repo))
	span.SetAttributes(attribute.Int64("seq", evt.Seq))

	if c.onCommit != nil {
		c.onCommit(ctx, models.CommitMeta{Seq: evt.Seq, Time: evt.Time})
	}

	log := c.logger.With("repo", evt.Repo, "seq", evt.Seq)

	// Parse time from the event time string
	if evtCreatedAt, err := time.Parse(time.RFC3339, evt.Time); err == nil {
		lastEvtCreatedAtGauge.WithLabelValues(c.SocketURL).Set(float64(evtCreatedAt.UnixNano()))
		lastEvtCreatedEvtProcessedGapGauge.WithLabelValues(c.SocketURL).Set(processedAt.Sub(evtCreatedAt).Seconds())
	} else {
		log.Warn("error parsing time", "error", err)
	}
	lastEvtProcessedAtGauge.WithLabelValues(c.SocketURL).Set(float64(processedAt.UnixNano()))

	if evt.Repo == "" {
		for _, op := range evt.Ops {
			opsProcessedCounter.WithLabelValues(actionLabel(op.Action), "missing_repo", c.SocketURL).Inc()
		}
		log.Warn("commit has no repo, skipping its operations", "ops", len(evt.Ops))
		eventProcessingDurationHistogram.WithLabelValues(c.SocketURL).Observe(time.Since(processedAt).Seconds())
		return
	}

	if evt.TooBig {
		log.Warn("repo commit too big, records will be missing", "rev", evt.Rev)
	}

	for _, op := range evt.Ops {
		e, ok := c.buildEvent(evt, op, log)
		if !ok {
			continue
		}

		eventsEmittedCounter.WithLabelValues(string(e.Kind), c.SocketURL).Inc()
		if err := c.dispatch[e.Kind](ctx, e); err != nil {
			log.Error("event handler failed", "kind", e.Kind, "uri", e.URI, "error", err)
		}
	}

	eventProcessingDurationHistogram.WithLabelValues(c.SocketURL).Observe(time.Since(processedAt).Seconds())
}

// buildEvent returns the domain event for op, or false when op is not for a
// recognised collection, has no handler, or cannot be addressed.
func (c *Consumer) buildEvent(evt *models.Commit, op models.Op, log *slog.Logger) (*models.Event, bool) {
	collection, rkey, found := strings.Cut(op.Path, "/")
	if !found {
		opsProcessedCounter.WithLabelValues(actionLabel(op.Action), "bad_path", c.SocketURL).Inc()
		log.Warn("malformed op path", "path", op.Path)
		return nil, false
	}

	kind, ok := c.Collections.Lookup(collection)
	if !ok {
		opsProcessedCounter.WithLabelValues(actionLabel(op.Action), "ignored", c.SocketURL).Inc()
		return nil, false
	}
	if c.dispatch[kind] == nil {
		opsProcessedCounter.WithLabelValues(actionLabel(op.Action), "unhandled", c.SocketURL).Inc()
		return nil, false
	}

	log = log.With("action", op.Action, "collection", collection, "rkey", rkey)

	action, ok := models.ParseAction(string(op.Action))
	if !ok {
		opsProcessedCounter.WithLabelValues("unknown", "bad_action", c.SocketURL).Inc()
		log.Warn("unknown op action")
		return nil, false
	}

	uri, err := recordURI(evt.Repo, collection, rkey)
	if err != nil {
		opsProcessedCounter.WithLabelValues(string(action), "bad_uri", c.SocketURL).Inc()
		log.Warn("cannot build record uri", "error", err)
		return nil, false
	}

	e := &models.Event{
		Kind:       kind,
		Did:        evt.Repo,
		URI:        uri,
		Action:     action,
		Collection: collection,
		RKey:       rkey,
		Seq:        evt.Seq,
		Time:       evt.Time,
	}

	if action == models.ActionDelete {
		opsProcessedCounter.WithLabelValues(string(action), "ok", c.SocketURL).Inc()
		return e, true
	}

	// Without a content id the event could not be addressed downstream, so
	// create and update ops lacking a usable cid are dropped, not emitted.
	if op.CID == nil {
		opsProcessedCounter.WithLabelValues(string(action), "missing_cid", c.SocketURL).Inc()
		log.Error("record op missing cid")
		return nil, false
	}
	link, err := records.ParseLink(*op.CID)
	if err != nil {
		opsProcessedCounter.WithLabelValues(string(action), "bad_cid", c.SocketURL).Inc()
		log.Error("failed to parse record cid", "error", err)
		return nil, false
	}
	e.CID = link.String()

	if rec, ok := records.Extract(evt.Blocks, link); ok {
		e.Record = rec
	} else {
		recordsMissingCounter.WithLabelValues(string(kind), c.SocketURL).Inc()
		log.Debug("record not found in commit blocks", "cid", e.CID)
	}

	opsProcessedCounter.WithLabelValues(string(action), "ok", c.SocketURL).Inc()
	return e, true
}

// actionLabel keeps metric label values bounded.
func actionLabel(a models.Action) string {
	if action, ok := models.ParseAction(string(a)); ok {
		return string(action)
	}
	return "unknown"
}
