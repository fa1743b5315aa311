// Package vault mints stable placeholder tokens for PII values and Resolves
// them back to the original text.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"pii-ledger/internal/domain"
	"pii-ledger/internal/repository"
)

// Collection is the store collection holding token records.
const Collection = "vault"

const (
	counterField       = "n"
	maxConflictRetries = 5

	forwardPrefix = "ENT#"
	reversePrefix = "TOK#"
	counterPrefix = "CTR#"
)

var (
	// ErrTokenNotFound is returned when a token id has no record in the scope.
	ErrTokenNotFound = errors.New("vault: token not found")
	// ErrConflict is returned when concurrent writers keep winning the race
	// for the same entity.
	ErrConflict = errors.New("vault: too many conflicting writers")
)

// Vault owns the token mapping. It is safe for concurrent use; all
// coordination happens through conditional store writes.
type Vault struct {
	store repository.Store
	now   func() time.Time
	log   *slog.Logger
}

// New creates a Vault on top of store.
func New(store repository.Store, log *slog.Logger) (*Vault, error) {
	if store == nil {
		return nil, errors.New("vault: store must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Vault{
		store: store,
		now:   time.Now,
		log:   log.With("component", "vault"),
	}, nil
}

// Normalize folds case, trims and collapses inner whitespace so that
// "John  DOE" and "john doe" map to the same token.
func Normalize(text string) string {
	// A Caser is stateful, so each call gets its own.
	return strings.Join(strings.Fields(cases.Fold().String(text)), " ")
}

func partition(scope domain.ScopeKey) string {
	return "VAULT#" + string(scope)
}

// forwardKey hashes the normalized value so the sort key stays short for any
// entity length. The value itself is kept on the record.
func forwardKey(scope domain.ScopeKey, category, normalized string) repository.Key {
	sum := sha256.Sum256([]byte(normalized))
	return repository.Key{
		Collection: Collection,
		PK:         partition(scope),
		SK:         forwardPrefix + domain.CategorySlug(category) + "#" + hex.EncodeToString(sum[:]),
	}
}

func reverseKey(scope domain.ScopeKey, tokenID string) repository.Key {
	return repository.Key{Collection: Collection, PK: partition(scope), SK: reversePrefix + tokenID}
}

func counterKey(scope domain.ScopeKey, category string) repository.Key {
	return repository.Key{Collection: Collection, PK: partition(scope), SK: counterPrefix + domain.CategorySlug(category)}
}

func validScope(scope domain.ScopeKey) error {
	if !scope.Valid() {
		return fmt.Errorf("vault: scope %q must name a user and a conversation", scope)
	}
	return nil
}

// GetOrCreateToken returns the token id for text within scope, minting one
// on first sight. Concurrent callers for the same value all receive the same
// id and exactly one record is stored.
func (v *Vault) GetOrCreateToken(ctx context.Context, scope domain.ScopeKey, category, text string) (string, error) {
	if err := validScope(scope); err != nil {
		return "", err
	}
	if domain.CategorySlug(category) == "" {
		return "", fmt.Errorf("vault: category %q has no usable characters", category)
	}
	normalized := Normalize(text)
	if normalized == "" {
		return "", errors.New("vault: text must not be empty")
	}
	fwd := forwardKey(scope, category, normalized)

	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		var existing domain.TokenRecord
		err := v.store.Get(ctx, fwd, &existing)
		if err == nil {
			return existing.TokenID, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("vault: lookup: %w", err)
		}

		n, err := v.store.Increment(ctx, counterKey(scope, category), counterField)
		if err != nil {
			return "", fmt.Errorf("vault: allocate: %w", err)
		}
		rec := domain.TokenRecord{
			ScopeKey:       scope,
			Category:       category,
			NormalizedText: normalized,
			OriginalText:   text,
			TokenID:        domain.TokenID(category, n),
			CreatedAt:      v.now().UTC(),
		}
		err = v.store.Transact(ctx,
			repository.Write{Key: fwd, Doc: rec, Condition: repository.IfAbsent},
			repository.Write{Key: reverseKey(scope, rec.TokenID), Doc: rec, Condition: repository.IfAbsent},
		)
		if err == nil {
			return rec.TokenID, nil
		}
		if !errors.Is(err, repository.ErrConditionFailed) {
			return "", fmt.Errorf("vault: insert: %w", err)
		}
		v.log.DebugContext(ctx, "token insert lost race, retrying lookup",
			"scope", scope, "category", category, "attempt", attempt)
	}
	return "", ErrConflict
}

// ResolveToken returns the original text stored for tokenID within scope.
func (v *Vault) ResolveToken(ctx context.Context, scope domain.ScopeKey, tokenID string) (string, error) {
	if err := validScope(scope); err != nil {
		return "", err
	}
	var rec domain.TokenRecord
	err := v.store.Get(ctx, reverseKey(scope, tokenID), &rec)
	if errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrTokenNotFound, tokenID)
	}
	if err != nil {
		return "", fmt.Errorf("vault: resolve: %w", err)
	}
	return rec.OriginalText, nil
}

// EraseScope deletes every token, reverse mapping and counter of scope and
// returns how many documents were removed.
func (v *Vault) EraseScope(ctx context.Context, scope domain.ScopeKey) (int, error) {
	if err := validScope(scope); err != nil {
		return 0, err
	}
	pk := partition(scope)
	records, err := v.store.Query(ctx, repository.Query{Collection: Collection, PK: pk})
	if err != nil {
		return 0, fmt.Errorf("vault: erase: %w", err)
	}
	deleted := 0
	for _, r := range records {
		if err := v.store.Delete(ctx, repository.Key{Collection: Collection, PK: pk, SK: r.SortKey()}); err != nil {
			return deleted, fmt.Errorf("vault: erase: %w", err)
		}
		deleted++
	}
	v.log.InfoContext(ctx, "scope erased", "scope", scope, "documents", deleted)
	return deleted, nil
}
