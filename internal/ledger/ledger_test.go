package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pii-ledger/internal/domain"
	"pii-ledger/internal/repository"
)

func newTestLedger(t *testing.T, maxAttempts int) (*Ledger, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemory()
	l, err := New(store, maxAttempts, nil)
	require.NoError(t, err)
	return l, store
}

func msgs(ids ...string) []domain.Message {
	out := make([]domain.Message, len(ids))
	for i, id := range ids {
		out[i] = domain.Message{ID: id, ConversationID: "c1", UserID: "u1"}
	}
	return out
}

func ids(entries []domain.LedgerEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.MessageID
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, 3, nil)
	require.ErrorContains(t, err, "must not be nil")
	_, err = New(repository.NewMemory(), 0, nil)
	require.ErrorContains(t, err, "maxAttempts")
}

func TestSeed_IsIdempotent(t *testing.T) {
	l, _ := newTestLedger(t, 3)
	ctx := context.Background()

	n, err := l.Seed(ctx, msgs("m1", "m2"))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = l.Seed(ctx, msgs("m1", "m2", "m3"))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	e, err := l.Get(ctx, "c1", "m1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, e.Status)
	require.Equal(t, int64(1), e.Version)
}

func TestLifecycle_Done(t *testing.T) {
	l, store := newTestLedger(t, 3)
	ctx := context.Background()
	_, err := l.Seed(ctx, msgs("m1"))
	require.NoError(t, err)

	eligible, err := l.Eligible(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, ids(eligible))

	claimed, err := l.Claim(ctx, eligible[0])
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, claimed.Status)

	out := repository.Write{
		Key: repository.Key{Collection: "outputs", PK: "OUT", SK: "MSG#m1"},
		Doc: domain.OutputRecord{MessageID: "m1", TransformedText: "x"},
	}
	done, err := l.MarkDone(ctx, claimed, out)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDone, done.Status)

	var rec domain.OutputRecord
	require.NoError(t, store.Get(ctx, out.Key, &rec), "output committed with the transition")

	eligible, err = l.Eligible(ctx)
	require.NoError(t, err)
	require.Empty(t, eligible)
}

func TestMarkDone_RollsBackWithOutput(t *testing.T) {
	l, store := newTestLedger(t, 3)
	ctx := context.Background()
	_, err := l.Seed(ctx, msgs("m1"))
	require.NoError(t, err)
	e, err := l.Get(ctx, "c1", "m1")
	require.NoError(t, err)
	claimed, err := l.Claim(ctx, e)
	require.NoError(t, err)

	outKey := repository.Key{Collection: "outputs", PK: "OUT", SK: "MSG#m1"}
	require.NoError(t, store.Write(ctx, repository.Write{Key: outKey, Doc: domain.OutputRecord{MessageID: "m1"}}))

	_, err = l.MarkDone(ctx, claimed, repository.Write{Key: outKey, Doc: domain.OutputRecord{MessageID: "m1"}, Condition: repository.IfAbsent})
	require.ErrorIs(t, err, ErrStale)

	got, err := l.Get(ctx, "c1", "m1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, got.Status, "ledger unchanged when the output write fails")
}

func TestClaim_OnlyOneWinner(t *testing.T) {
	l, _ := newTestLedger(t, 3)
	ctx := context.Background()
	_, err := l.Seed(ctx, msgs("m1"))
	require.NoError(t, err)
	e, err := l.Get(ctx, "c1", "m1")
	require.NoError(t, err)

	_, err = l.Claim(ctx, e)
	require.NoError(t, err)
	_, err = l.Claim(ctx, e)
	require.ErrorIs(t, err, ErrClaimed)
}

func TestMarkFailed_RetryUntilTerminal(t *testing.T) {
	l, _ := newTestLedger(t, 2)
	ctx := context.Background()
	_, err := l.Seed(ctx, msgs("m1"))
	require.NoError(t, err)

	e, err := l.Get(ctx, "c1", "m1")
	require.NoError(t, err)
	e, err = l.Claim(ctx, e)
	require.NoError(t, err)
	e, err = l.MarkFailed(ctx, e, errors.New("upstream 503"), false)
	require.NoError(t, err)
	require.Equal(t, 1, e.AttemptCount)
	require.False(t, e.Terminal)
	require.Equal(t, "upstream 503", e.LastError)

	eligible, err := l.Eligible(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, ids(eligible), "failed with attempts left is eligible")

	e, err = l.Claim(ctx, eligible[0])
	require.NoError(t, err)
	e, err = l.MarkFailed(ctx, e, errors.New("upstream 503"), false)
	require.NoError(t, err)
	require.True(t, e.Terminal, "max attempts reached")

	eligible, err = l.Eligible(ctx)
	require.NoError(t, err)
	require.Empty(t, eligible)

	_, err = l.Claim(ctx, e)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMarkFailed_TerminalImmediately(t *testing.T) {
	l, _ := newTestLedger(t, 5)
	ctx := context.Background()
	_, err := l.Seed(ctx, msgs("m1"))
	require.NoError(t, err)
	e, err := l.Get(ctx, "c1", "m1")
	require.NoError(t, err)
	e, err = l.Claim(ctx, e)
	require.NoError(t, err)
	e, err = l.MarkFailed(ctx, e, errors.New("invalid document"), true)
	require.NoError(t, err)
	require.True(t, e.Terminal)
	require.Equal(t, 1, e.AttemptCount)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Failed: 1, Terminal: 1}, stats)
}

func TestRelease_DoesNotCountAttempt(t *testing.T) {
	l, _ := newTestLedger(t, 3)
	ctx := context.Background()
	_, err := l.Seed(ctx, msgs("m1"))
	require.NoError(t, err)
	e, err := l.Get(ctx, "c1", "m1")
	require.NoError(t, err)
	e, err = l.Claim(ctx, e)
	require.NoError(t, err)
	e, err = l.Release(ctx, e)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, e.Status)
	require.Zero(t, e.AttemptCount)
}

func TestInvalidTransitions(t *testing.T) {
	l, _ := newTestLedger(t, 3)
	ctx := context.Background()
	pending := domain.LedgerEntry{MessageID: "m1", Status: domain.StatusPending, Version: 1}

	_, err := l.MarkDone(ctx, pending)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = l.MarkFailed(ctx, pending, nil, false)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = l.Release(ctx, pending)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = l.Claim(ctx, domain.LedgerEntry{MessageID: "m1", Status: domain.StatusDone})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReclaim_OnlyStaleEntries(t *testing.T) {
	l, _ := newTestLedger(t, 3)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	_, err := l.Seed(ctx, msgs("old", "fresh"))
	require.NoError(t, err)
	old, err := l.Get(ctx, "c1", "old")
	require.NoError(t, err)
	_, err = l.Claim(ctx, old)
	require.NoError(t, err)

	l.now = func() time.Time { return base.Add(20 * time.Minute) }
	fresh, err := l.Get(ctx, "c1", "fresh")
	require.NoError(t, err)
	_, err = l.Claim(ctx, fresh)
	require.NoError(t, err)

	l.now = func() time.Time { return base.Add(30 * time.Minute) }
	n, err := l.Reclaim(ctx, 15*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := l.Get(ctx, "c1", "old")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)
	got, err = l.Get(ctx, "c1", "fresh")
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, got.Status)
}

func TestStatsAndFailures(t *testing.T) {
	l, _ := newTestLedger(t, 3)
	ctx := context.Background()
	_, err := l.Seed(ctx, msgs("a", "b", "c", "d"))
	require.NoError(t, err)

	claim := func(id string) domain.LedgerEntry {
		e, err := l.Get(ctx, "c1", id)
		require.NoError(t, err)
		e, err = l.Claim(ctx, e)
		require.NoError(t, err)
		return e
	}
	_, err = l.MarkDone(ctx, claim("a"))
	require.NoError(t, err)
	_, err = l.MarkFailed(ctx, claim("c"), errors.New("bad"), true)
	require.NoError(t, err)
	_, err = l.MarkFailed(ctx, claim("b"), errors.New("busy"), false)
	require.NoError(t, err)
	claim("d")

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{InProgress: 1, Done: 1, Failed: 2, Terminal: 1}, stats)
	require.Equal(t, 4, stats.Total())

	failures, err := l.Failures(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, ids(failures))
}

func TestSeed_SameMessageIDInTwoConversations(t *testing.T) {
	l, _ := newTestLedger(t, 3)
	ctx := context.Background()

	n, err := l.Seed(ctx, []domain.Message{
		{ID: "1", ConversationID: "convA", UserID: "u1"},
		{ID: "1", ConversationID: "convB", UserID: "u2"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	eligible, err := l.Eligible(ctx)
	require.NoError(t, err)
	require.Len(t, eligible, 2)
	require.Equal(t, "convA", eligible[0].ConversationID)
	require.Equal(t, "convB", eligible[1].ConversationID)

	a, err := l.Claim(ctx, eligible[0])
	require.NoError(t, err)
	_, err = l.MarkDone(ctx, a)
	require.NoError(t, err)

	b, err := l.Get(ctx, "convB", "1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, b.Status, "finishing one conversation's message leaves the other alone")
}

func TestDoneEntriesLeaveTheQueue(t *testing.T) {
	l, store := newTestLedger(t, 3)
	ctx := context.Background()
	_, err := l.Seed(ctx, msgs("m1", "m2"))
	require.NoError(t, err)

	e, err := l.Get(ctx, "c1", "m1")
	require.NoError(t, err)
	e, err = l.Claim(ctx, e)
	require.NoError(t, err)
	_, err = l.MarkDone(ctx, e)
	require.NoError(t, err)

	var queued domain.LedgerEntry
	require.ErrorIs(t, store.Get(ctx, queueKey(e.Ref()), &queued), repository.ErrNotFound)
	require.NoError(t, store.Get(ctx, queueKey(domain.MessageRef("c1", "m2")), &queued))
	require.Equal(t, domain.StatusPending, queued.Status)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Pending: 1, Done: 1}, stats, "done entries are still counted")
}

func TestEntriesSpreadAcrossShards(t *testing.T) {
	l, _ := newTestLedger(t, 3)
	ctx := context.Background()
	var batch []domain.Message
	for i := range 64 {
		batch = append(batch, domain.Message{ID: fmt.Sprintf("m%d", i), ConversationID: "c1"})
	}
	_, err := l.Seed(ctx, batch)
	require.NoError(t, err)

	partitions := map[string]bool{}
	for _, m := range batch {
		partitions[Key(m.ConversationID, m.ID).PK] = true
	}
	require.Greater(t, len(partitions), 1)

	eligible, err := l.Eligible(ctx)
	require.NoError(t, err)
	require.Len(t, eligible, 64)
}
