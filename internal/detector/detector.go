// Package detector wraps the PII detection service: it batches texts,
// keeps results in input order and retries transient failures.
package detector

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"pii-ledger/internal/domain"
	"pii-ledger/internal/integrations/textanalytics"
)

// MaxBatchSize is the largest number of texts the service accepts per call.
const MaxBatchSize = 5

const (
	defaultMaxRetries  = 4
	defaultBaseBackoff = 500 * time.Millisecond
	maxBackoff         = 30 * time.Second
	jitterPercent      = 20
)

// Client is the subset of the detection service used by the adapter.
type Client interface {
	RecognizePII(ctx context.Context, texts []string) ([]textanalytics.DocumentResult, error)
}

// Result is the outcome for one input text. Err is a Fatal *Error when the
// service rejected this text alone.
type Result struct {
	Entities []domain.DetectedEntity
	Err      error
}

// Adapter turns a Client into order-preserving, retried batch detection.
type Adapter struct {
	client      Client
	batchSize   int
	maxRetries  uint64
	baseBackoff time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	log         *slog.Logger
}

type Option func(*Adapter)

// WithBatchSize lowers the per-call batch size. Values outside 1..MaxBatchSize are ignored.
func WithBatchSize(n int) Option {
	return func(a *Adapter) {
		if n >= 1 && n <= MaxBatchSize {
			a.batchSize = n
		}
	}
}

// WithRetry sets the retry budget for Retryable failures.
func WithRetry(maxRetries int, baseBackoff time.Duration) Option {
	return func(a *Adapter) {
		if maxRetries >= 0 {
			a.maxRetries = uint64(maxRetries)
		}
		if baseBackoff > 0 {
			a.baseBackoff = baseBackoff
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

// New creates an Adapter around client.
func New(client Client, opts ...Option) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("detector: client must not be nil")
	}
	a := &Adapter{
		client:      client,
		batchSize:   MaxBatchSize,
		maxRetries:  defaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
		sleep:       sleepContext,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("component", "detector")
	return a, nil
}

// Detect returns one Result per text in input order. A non-nil error is a
// whole-call *Error; when it is returned no Result is usable.
func (a *Adapter) Detect(ctx context.Context, texts []string) ([]Result, error) {
	results := make([]Result, len(texts))

	// Empty texts never reach the service.
	idx := make([]int, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			results[i] = Result{Entities: []domain.DetectedEntity{}}
			continue
		}
		idx = append(idx, i)
	}

	for start := 0; start < len(idx); start += a.batchSize {
		end := min(start+a.batchSize, len(idx))
		chunk := idx[start:end]
		batch := make([]string, len(chunk))
		for j, i := range chunk {
			batch[j] = texts[i]
		}

		docs, err := a.call(ctx, batch)
		if err != nil {
			return nil, err
		}
		for j, i := range chunk {
			if docs[j].Err != nil {
				results[i] = Result{Err: &Error{
					Kind:    Fatal,
					Code:    docs[j].Err.Code,
					Message: docs[j].Err.Message,
					Err:     docs[j].Err,
				}}
				continue
			}
			entities := docs[j].Entities
			if entities == nil {
				entities = []domain.DetectedEntity{}
			}
			results[i] = Result{Entities: entities}
		}
	}
	return results, nil
}

func (a *Adapter) call(ctx context.Context, batch []string) ([]textanalytics.DocumentResult, error) {
	backoff := retry.NewExponential(a.baseBackoff)
	backoff = retry.WithCappedDuration(maxBackoff, backoff)
	backoff = retry.WithJitterPercent(jitterPercent, backoff)
	backoff = retry.WithMaxRetries(a.maxRetries, backoff)

	var (
		docs    []textanalytics.DocumentResult
		attempt int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		res, err := a.client.RecognizePII(ctx, batch)
		if err == nil && len(res) != len(batch) {
			err = &Error{Kind: Fatal, Err: textanalytics.ErrMalformedResponse, Message: "result count mismatch"}
		}
		if err != nil {
			derr := classify(err)
			if derr.Kind != Retryable {
				return derr
			}
			a.log.WarnContext(ctx, "detection call failed, retrying",
				"attempt", attempt, "batch_size", len(batch), "err", derr)
			if wait := retryAfter(err); wait > 0 {
				if serr := a.sleep(ctx, wait); serr != nil {
					return &Error{Kind: Retryable, Err: serr}
				}
			}
			return retry.RetryableError(derr)
		}
		docs = res
		return nil
	})
	if err != nil {
		// A caller deadline or cancellation says nothing about the texts.
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, &Error{Kind: Retryable, Err: ctxErr}
		}
		return nil, classify(err)
	}
	return docs, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
