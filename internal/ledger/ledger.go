// Package ledger tracks the processing state of every message so a batch
// run can stop at any point and resume without redoing finished work.
//
// Entries are spread over shardCount partitions by a hash of the message
// reference. Each unfinished entry also has a copy in the queue partitions,
// written in the same transaction as the entry; finished entries leave the
// queue, so finding work never reads the Done backlog.
//
// Every transition is a compare-and-set on the entry version:
//
//	Pending -> InProgress -> Done
//	                      -> Failed -> InProgress (retry, while attempts remain)
//	                      -> Pending (released, or reclaimed when stale)
package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"time"

	"pii-ledger/internal/domain"
	"pii-ledger/internal/repository"
)

// Collection is the store collection holding ledger entries.
const Collection = "ledger"

const (
	shardCount  = 16
	entryPrefix = "LEDGER#"
	queuePrefix = "QUEUE#"
	sortPrefix  = "MSG#"
	statusAttr  = "status"
)

var (
	// ErrClaimed is returned by Claim when another worker moved the entry first.
	ErrClaimed = errors.New("ledger: entry already claimed")
	// ErrStale is returned when an entry changed since it was read.
	ErrStale = errors.New("ledger: entry changed concurrently")
	// ErrInvalidTransition is returned for transitions the state machine forbids.
	ErrInvalidTransition = errors.New("ledger: invalid transition")
)

// Stats counts entries by state.
type Stats struct {
	Pending    int
	InProgress int
	Done       int
	Failed     int
	Terminal   int
}

// Total is the number of tracked messages.
func (s Stats) Total() int {
	return s.Pending + s.InProgress + s.Done + s.Failed
}

// Ledger reads and transitions ledger entries.
type Ledger struct {
	store       repository.Store
	maxAttempts int
	now         func() time.Time
	log         *slog.Logger
}

// New creates a Ledger. Failed entries stay eligible until they have been
// attempted maxAttempts times.
func New(store repository.Store, maxAttempts int, log *slog.Logger) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger: store must not be nil")
	}
	if maxAttempts < 1 {
		return nil, errors.New("ledger: maxAttempts must be at least 1")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		store:       store,
		maxAttempts: maxAttempts,
		now:         time.Now,
		log:         log.With("component", "ledger"),
	}, nil
}

func shard(ref string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ref))
	return fmt.Sprintf("%02d", h.Sum32()%shardCount)
}

func entryKey(ref string) repository.Key {
	return repository.Key{Collection: Collection, PK: entryPrefix + shard(ref), SK: sortPrefix + ref}
}

func queueKey(ref string) repository.Key {
	return repository.Key{Collection: Collection, PK: queuePrefix + shard(ref), SK: sortPrefix + ref}
}

// Key addresses the entry of a message.
func Key(conversationID, messageID string) repository.Key {
	return entryKey(domain.MessageRef(conversationID, messageID))
}

// Get reads one entry.
func (l *Ledger) Get(ctx context.Context, conversationID, messageID string) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	if err := l.store.Get(ctx, Key(conversationID, messageID), &e); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: get %s/%s: %w", conversationID, messageID, err)
	}
	return e, nil
}

// Seed creates a Pending entry for every message not tracked yet and
// returns how many were created.
func (l *Ledger) Seed(ctx context.Context, msgs []domain.Message) (int, error) {
	seeded := 0
	now := l.now().UTC()
	for _, m := range msgs {
		entry := domain.LedgerEntry{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			Status:         domain.StatusPending,
			UpdatedAt:      now,
			Version:        1,
		}
		ref := entry.Ref()
		err := l.store.Transact(ctx,
			repository.Write{Key: entryKey(ref), Doc: entry, Condition: repository.IfAbsent},
			repository.Write{Key: queueKey(ref), Doc: entry},
		)
		if errors.Is(err, repository.ErrConditionFailed) {
			continue
		}
		if err != nil {
			return seeded, fmt.Errorf("ledger: seed %s: %w", ref, err)
		}
		seeded++
	}
	return seeded, nil
}

func (l *Ledger) queryShards(ctx context.Context, prefix string, equals map[string]string) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for i := range shardCount {
		records, err := l.store.Query(ctx, repository.Query{
			Collection: Collection,
			PK:         fmt.Sprintf("%s%02d", prefix, i),
			SKPrefix:   sortPrefix,
			Equals:     equals,
		})
		if err != nil {
			return nil, err
		}
		entries, err := repository.DecodeAll[domain.LedgerEntry](records)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// byStatus reads unfinished entries in one state from the queue.
func (l *Ledger) byStatus(ctx context.Context, status domain.Status) ([]domain.LedgerEntry, error) {
	out, err := l.queryShards(ctx, queuePrefix, map[string]string{statusAttr: string(status)})
	if err != nil {
		return nil, fmt.Errorf("ledger: query %s: %w", status, err)
	}
	return out, nil
}

func (l *Ledger) all(ctx context.Context) ([]domain.LedgerEntry, error) {
	out, err := l.queryShards(ctx, entryPrefix, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	return out, nil
}

func byRef(entries []domain.LedgerEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Ref() < entries[j].Ref() })
}

func (l *Ledger) retryable(e domain.LedgerEntry) bool {
	return e.Status == domain.StatusFailed && !e.Terminal && e.AttemptCount < l.maxAttempts
}

// Eligible lists entries a run should process: Pending ones and Failed ones
// with attempts left, ordered by conversation and message id.
func (l *Ledger) Eligible(ctx context.Context) ([]domain.LedgerEntry, error) {
	pending, err := l.byStatus(ctx, domain.StatusPending)
	if err != nil {
		return nil, err
	}
	failed, err := l.byStatus(ctx, domain.StatusFailed)
	if err != nil {
		return nil, err
	}
	out := pending
	for _, e := range failed {
		if l.retryable(e) {
			out = append(out, e)
		}
	}
	byRef(out)
	return out, nil
}

// Reclaim returns InProgress entries untouched for staleAfter to Pending.
// They belong to a run that died mid-batch.
func (l *Ledger) Reclaim(ctx context.Context, staleAfter time.Duration) (int, error) {
	inProgress, err := l.byStatus(ctx, domain.StatusInProgress)
	if err != nil {
		return 0, err
	}
	cutoff := l.now().Add(-staleAfter)
	reclaimed := 0
	for _, e := range inProgress {
		if e.UpdatedAt.After(cutoff) {
			continue
		}
		_, err := l.transition(ctx, e, func(n *domain.LedgerEntry) {
			n.Status = domain.StatusPending
		})
		if errors.Is(err, ErrStale) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		l.log.InfoContext(ctx, "reclaimed stale entry",
			"conversation_id", e.ConversationID, "message_id", e.MessageID, "updated_at", e.UpdatedAt)
		reclaimed++
	}
	return reclaimed, nil
}

// Claim moves an eligible entry to InProgress. A worker that loses the race
// gets ErrClaimed and must skip the message.
func (l *Ledger) Claim(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	if e.Status != domain.StatusPending && !l.retryable(e) {
		return domain.LedgerEntry{}, fmt.Errorf("%w: claim %s in state %s", ErrInvalidTransition, e.Ref(), e.Status)
	}
	next, err := l.transition(ctx, e, func(n *domain.LedgerEntry) {
		n.Status = domain.StatusInProgress
	})
	if errors.Is(err, ErrStale) {
		return domain.LedgerEntry{}, fmt.Errorf("%w: %s", ErrClaimed, e.Ref())
	}
	return next, err
}

// MarkDone completes a claimed entry. extra writes, typically the output
// record, commit in the same transaction.
func (l *Ledger) MarkDone(ctx context.Context, e domain.LedgerEntry, extra ...repository.Write) (domain.LedgerEntry, error) {
	if e.Status != domain.StatusInProgress {
		return domain.LedgerEntry{}, fmt.Errorf("%w: done %s in state %s", ErrInvalidTransition, e.Ref(), e.Status)
	}
	return l.transition(ctx, e, func(n *domain.LedgerEntry) {
		n.Status = domain.StatusDone
		n.LastError = ""
		n.Terminal = false
	}, extra...)
}

// MarkFailed records a failed attempt. The entry becomes terminal when
// terminal is set or no attempts remain.
func (l *Ledger) MarkFailed(ctx context.Context, e domain.LedgerEntry, cause error, terminal bool) (domain.LedgerEntry, error) {
	if e.Status != domain.StatusInProgress {
		return domain.LedgerEntry{}, fmt.Errorf("%w: fail %s in state %s", ErrInvalidTransition, e.Ref(), e.Status)
	}
	return l.transition(ctx, e, func(n *domain.LedgerEntry) {
		n.Status = domain.StatusFailed
		n.AttemptCount++
		if cause != nil {
			n.LastError = cause.Error()
		}
		n.Terminal = terminal || n.AttemptCount >= l.maxAttempts
	})
}

// Release hands a claimed entry back as Pending without counting an attempt.
func (l *Ledger) Release(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	if e.Status != domain.StatusInProgress {
		return domain.LedgerEntry{}, fmt.Errorf("%w: release %s in state %s", ErrInvalidTransition, e.Ref(), e.Status)
	}
	return l.transition(ctx, e, func(n *domain.LedgerEntry) {
		n.Status = domain.StatusPending
	})
}

func (l *Ledger) transition(ctx context.Context, e domain.LedgerEntry, mutate func(*domain.LedgerEntry), extra ...repository.Write) (domain.LedgerEntry, error) {
	next := e
	mutate(&next)
	next.Version = e.Version + 1
	next.UpdatedAt = l.now().UTC()

	ref := e.Ref()
	queued := repository.Write{Key: queueKey(ref), Doc: next}
	if next.Status == domain.StatusDone {
		queued = repository.Write{Key: queueKey(ref), Delete: true}
	}
	writes := make([]repository.Write, 0, len(extra)+2)
	writes = append(writes, repository.Write{
		Key:       entryKey(ref),
		Doc:       next,
		Condition: repository.IfVersion,
		Version:   e.Version,
	}, queued)
	writes = append(writes, extra...)

	err := l.store.Transact(ctx, writes...)
	if errors.Is(err, repository.ErrConditionFailed) {
		return domain.LedgerEntry{}, fmt.Errorf("%w: %s", ErrStale, ref)
	}
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: %s -> %s for %s: %w", e.Status, next.Status, ref, err)
	}
	return next, nil
}

// Stats counts entries by state.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	entries, err := l.all(ctx)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, e := range entries {
		switch e.Status {
		case domain.StatusPending:
			s.Pending++
		case domain.StatusInProgress:
			s.InProgress++
		case domain.StatusDone:
			s.Done++
		case domain.StatusFailed:
			s.Failed++
			if e.Terminal || e.AttemptCount >= l.maxAttempts {
				s.Terminal++
			}
		}
	}
	return s, nil
}

// Failures lists Failed entries ordered by conversation and message id.
func (l *Ledger) Failures(ctx context.Context) ([]domain.LedgerEntry, error) {
	out, err := l.byStatus(ctx, domain.StatusFailed)
	if err != nil {
		return nil, err
	}
	byRef(out)
	return out, nil
}
