// Package pipeline drives a batch run: it seeds the ledger from the message
// source, then processes eligible messages in passes with a bounded pool of
// workers until nothing is left to do.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pii-ledger/internal/detector"
	"pii-ledger/internal/domain"
	"pii-ledger/internal/ledger"
	"pii-ledger/internal/output"
	"pii-ledger/internal/repository"
)

// ErrFatal aborts a run: the detection service rejected a whole call in a
// way retrying cannot fix, such as bad credentials.
var ErrFatal = errors.New("pipeline: fatal detection error")

const (
	defaultConcurrency = 5
	defaultStaleAfter  = 15 * time.Minute
)

var tierConcurrency = map[string]int{
	"S":  20,
	"S0": 5,
	"F0": 5,
}

// TierConcurrency is the number of concurrent detection calls allowed by a
// service pricing tier.
func TierConcurrency(tier string) int {
	if n, ok := tierConcurrency[strings.ToUpper(strings.TrimSpace(tier))]; ok {
		return n
	}
	return defaultConcurrency
}

// MessageSource is the read side of the upstream message store.
type MessageSource interface {
	Scan(ctx context.Context, fn func([]domain.Message) error) error
	Get(ctx context.Context, conversationID, messageID string) (domain.Message, error)
}

// Detector finds PII spans, one result per text in input order.
type Detector interface {
	Detect(ctx context.Context, texts []string) ([]detector.Result, error)
}

// Config tunes a run.
type Config struct {
	BatchSize   int
	Concurrency int
	StaleAfter  time.Duration
	// FailureReport is the CSV path written at the end of the run. Empty
	// disables the report.
	FailureReport string
}

// Orchestrator runs batch passes over the ledger.
type Orchestrator struct {
	messages  MessageSource
	ledger    *ledger.Ledger
	detector  Detector
	transform Transformer
	sink      output.Sink
	cfg       Config
	now       func() time.Time
	log       *slog.Logger

	progress func(Progress)
}

func New(messages MessageSource, l *ledger.Ledger, d Detector, t Transformer, sink output.Sink, cfg Config, log *slog.Logger) (*Orchestrator, error) {
	if messages == nil {
		return nil, errors.New("pipeline: message source must not be nil")
	}
	if l == nil {
		return nil, errors.New("pipeline: ledger must not be nil")
	}
	if d == nil {
		return nil, errors.New("pipeline: detector must not be nil")
	}
	if t == nil {
		return nil, errors.New("pipeline: transformer must not be nil")
	}
	if sink == nil {
		return nil, errors.New("pipeline: sink must not be nil")
	}
	if cfg.BatchSize < 1 || cfg.BatchSize > detector.MaxBatchSize {
		return nil, fmt.Errorf("pipeline: batch size must be between 1 and %d", detector.MaxBatchSize)
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		messages:  messages,
		ledger:    l,
		detector:  d,
		transform: t,
		sink:      sink,
		cfg:       cfg,
		now:       time.Now,
		log:       log.With("component", "pipeline"),
	}, nil
}

// OnProgress registers fn to receive a snapshot after each batch. fn is
// called from worker goroutines and must be safe for concurrent use.
func (o *Orchestrator) OnProgress(fn func(Progress)) {
	o.progress = fn
}

// Run processes every eligible message. Cancelling ctx stops dispatch of
// new batches; batches already handed to a worker run to completion.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	start := o.now()
	sum := Summary{RunID: uuid.NewString()}
	log := o.log.With("run_id", sum.RunID)

	err := o.messages.Scan(ctx, func(page []domain.Message) error {
		sum.Scanned += len(page)
		n, err := o.ledger.Seed(ctx, page)
		sum.Seeded += n
		return err
	})
	if err != nil {
		return sum, fmt.Errorf("pipeline: seed ledger: %w", err)
	}
	if sum.Reclaimed, err = o.ledger.Reclaim(ctx, o.cfg.StaleAfter); err != nil {
		return sum, fmt.Errorf("pipeline: reclaim: %w", err)
	}
	log.InfoContext(ctx, "ledger ready", "scanned", sum.Scanned, "seeded", sum.Seeded, "reclaimed", sum.Reclaimed)

	var (
		stats    runStats
		resolved resolvedSet
		runErr   error
	)
	for {
		if ctx.Err() != nil {
			sum.Canceled = true
			break
		}
		eligible, err := o.ledger.Eligible(ctx)
		if err != nil {
			runErr = fmt.Errorf("pipeline: eligible: %w", err)
			break
		}
		if len(eligible) == 0 {
			break
		}
		sum.Passes++
		before := stats.processed()
		log.InfoContext(ctx, "pass starting", "pass", sum.Passes, "eligible", len(eligible))

		if err := o.runPass(ctx, sum.Passes, eligible, &stats, &resolved); err != nil {
			runErr = err
			break
		}
		if stats.processed() == before {
			// Every claim was lost to another run; leave the rest to it.
			log.WarnContext(ctx, "pass made no progress, stopping", "pass", sum.Passes)
			break
		}
	}
	if ctx.Err() != nil {
		sum.Canceled = true
	}

	if o.cfg.FailureReport != "" {
		if err := o.writeReport(context.WithoutCancel(ctx), resolved.list()); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}

	sum.Batches = stats.batches.Load()
	sum.Done = stats.done.Load()
	sum.Failed = stats.failed.Load()
	sum.Terminal = stats.terminal.Load()
	sum.Skipped = stats.skipped.Load()
	sum.Duration = o.now().Sub(start)
	log.InfoContext(ctx, "run finished",
		"passes", sum.Passes, "batches", sum.Batches, "done", sum.Done, "failed", sum.Failed,
		"terminal", sum.Terminal, "skipped", sum.Skipped, "canceled", sum.Canceled, "duration", sum.Duration)
	return sum, runErr
}

func (o *Orchestrator) writeReport(ctx context.Context, resolved []string) error {
	failures, err := o.ledger.Failures(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: failure report: %w", err)
	}
	if err := output.WriteFailureReport(o.cfg.FailureReport, failures, resolved...); err != nil {
		return fmt.Errorf("pipeline: failure report: %w", err)
	}
	return nil
}

func chunk(entries []domain.LedgerEntry, size int) [][]domain.LedgerEntry {
	var out [][]domain.LedgerEntry
	for start := 0; start < len(entries); start += size {
		out = append(out, entries[start:min(start+size, len(entries))])
	}
	return out
}

func (o *Orchestrator) runPass(ctx context.Context, pass int, eligible []domain.LedgerEntry, stats *runStats, resolved *resolvedSet) error {
	batches := chunk(eligible, o.cfg.BatchSize)
	workers := min(o.cfg.Concurrency, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	queue := make(chan []domain.LedgerEntry)
	var left atomic.Int64
	left.Store(int64(len(batches)))

	g.Go(func() error {
		defer close(queue)
		for _, b := range batches {
			select {
			case queue <- b:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for range workers {
		g.Go(func() error {
			for b := range queue {
				// A batch handed to a worker finishes even if the run is cancelled.
				if err := o.processBatch(context.WithoutCancel(gctx), b, stats, resolved); err != nil {
					return err
				}
				stats.batches.Add(1)
				rem := int(left.Add(-1))
				if o.progress != nil {
					o.progress(Progress{
						Pass:      pass,
						Batches:   stats.batches.Load(),
						Done:      stats.done.Load(),
						Failed:    stats.failed.Load(),
						Skipped:   stats.skipped.Load(),
						Remaining: rem,
					})
				}
			}
			return nil
		})
	}
	return g.Wait()
}

type staged struct {
	entry domain.LedgerEntry
	rec   domain.OutputRecord
}

func (o *Orchestrator) processBatch(ctx context.Context, batch []domain.LedgerEntry, stats *runStats, resolved *resolvedSet) error {
	claimed := make([]domain.LedgerEntry, 0, len(batch))
	msgs := make([]domain.Message, 0, len(batch))
	for _, e := range batch {
		c, err := o.ledger.Claim(ctx, e)
		if errors.Is(err, ledger.ErrClaimed) {
			stats.skipped.Add(1)
			continue
		}
		if err != nil {
			o.releaseAll(ctx, claimed)
			return fmt.Errorf("pipeline: claim %s: %w", e.Ref(), err)
		}
		msg, err := o.messages.Get(ctx, c.ConversationID, c.MessageID)
		if errors.Is(err, repository.ErrNotFound) {
			o.fail(ctx, c, fmt.Errorf("source message missing: %w", err), true, stats)
			continue
		}
		if err != nil {
			o.releaseAll(ctx, append(claimed, c))
			return fmt.Errorf("pipeline: load %s: %w", c.Ref(), err)
		}
		claimed = append(claimed, c)
		msgs = append(msgs, msg)
	}
	if len(claimed) == 0 {
		return nil
	}

	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.RawText
	}
	results, err := o.detector.Detect(ctx, texts)
	if err != nil {
		if detector.IsRetryable(err) {
			o.log.WarnContext(ctx, "batch failed after retries", "messages", len(claimed), "err", err)
			for _, c := range claimed {
				o.fail(ctx, c, err, false, stats)
			}
			return nil
		}
		o.releaseAll(ctx, claimed)
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}

	ready := make([]staged, 0, len(claimed))
	for i, c := range claimed {
		if results[i].Err != nil {
			o.fail(ctx, c, results[i].Err, true, stats)
			continue
		}
		res, err := o.transform.Apply(ctx, msgs[i], results[i].Entities)
		if err != nil {
			o.fail(ctx, c, err, false, stats)
			continue
		}
		ready = append(ready, staged{entry: c, rec: domain.OutputRecord{
			MessageID:       c.MessageID,
			ConversationID:  c.ConversationID,
			TransformedText: res.Text,
			EntitySummary:   domain.Summarize(res.Entities),
			Transform:       o.transform.Kind(),
			ProcessedAt:     o.now().UTC(),
		}})
	}
	if len(ready) == 0 {
		return nil
	}

	recs := make([]domain.OutputRecord, len(ready))
	for i, s := range ready {
		recs[i] = s.rec
	}
	if err := o.sink.Flush(ctx, recs); err != nil {
		o.log.ErrorContext(ctx, "output flush failed", "err", err)
		for _, s := range ready {
			o.fail(ctx, s.entry, err, false, stats)
		}
		return nil
	}
	for _, s := range ready {
		if _, err := o.ledger.MarkDone(ctx, s.entry, o.sink.Stage(s.rec)...); err != nil {
			if errors.Is(err, ledger.ErrStale) {
				o.log.WarnContext(ctx, "entry changed before completion",
					"conversation_id", s.entry.ConversationID, "message_id", s.entry.MessageID)
				stats.skipped.Add(1)
				continue
			}
			return fmt.Errorf("pipeline: mark done %s: %w", s.entry.Ref(), err)
		}
		stats.done.Add(1)
		resolved.add(s.entry.Ref())
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, e domain.LedgerEntry, cause error, terminal bool, stats *runStats) {
	next, err := o.ledger.MarkFailed(ctx, e, cause, terminal)
	if err != nil {
		o.log.ErrorContext(ctx, "mark failed",
			"conversation_id", e.ConversationID, "message_id", e.MessageID, "err", err)
		return
	}
	stats.failed.Add(1)
	if next.Terminal {
		stats.terminal.Add(1)
	}
	o.log.WarnContext(ctx, "message failed",
		"conversation_id", e.ConversationID, "message_id", e.MessageID, "attempt", next.AttemptCount, "terminal", next.Terminal, "err", cause)
}

func (o *Orchestrator) releaseAll(ctx context.Context, entries []domain.LedgerEntry) {
	for _, e := range entries {
		if _, err := o.ledger.Release(ctx, e); err != nil {
			o.log.ErrorContext(ctx, "release",
				"conversation_id", e.ConversationID, "message_id", e.MessageID, "err", err)
		}
	}
}

// resolvedSet collects the refs of messages finished during a run.
type resolvedSet struct {
	mu   sync.Mutex
	refs []string
}

func (r *resolvedSet) add(ref string) {
	r.mu.Lock()
	r.refs = append(r.refs, ref)
	r.mu.Unlock()
}

func (r *resolvedSet) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.refs...)
}
