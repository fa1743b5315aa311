package pii

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"pii-ledger/internal/domain"
	"pii-ledger/internal/vault"
)

var placeholderPattern = regexp.MustCompile(`\{([a-z0-9]+_[0-9]+)\}`)

// TokenVault mints and resolves tokens.
type TokenVault interface {
	GetOrCreateToken(ctx context.Context, scope domain.ScopeKey, category, text string) (string, error)
	ResolveToken(ctx context.Context, scope domain.ScopeKey, tokenID string) (string, error)
}

// DeobfuscationIncompleteError lists tokens that could not be resolved. No
// partial text is returned alongside it.
type DeobfuscationIncompleteError struct {
	Missing []string
}

func (e *DeobfuscationIncompleteError) Error() string {
	return fmt.Sprintf("pii: deobfuscation incomplete, unresolved tokens: %s", strings.Join(e.Missing, ", "))
}

func (e *DeobfuscationIncompleteError) Unwrap() error {
	return vault.ErrTokenNotFound
}

// Tokenizer replaces PII with vault tokens and reverses the substitution.
type Tokenizer struct {
	detector      Detector
	vault         TokenVault
	minConfidence float64
	log           *slog.Logger
}

type TokenizerOption func(*Tokenizer)

// WithMinConfidence ignores spans scored below c.
func WithMinConfidence(c float64) TokenizerOption {
	return func(t *Tokenizer) { t.minConfidence = c }
}

func WithLogger(log *slog.Logger) TokenizerOption {
	return func(t *Tokenizer) {
		if log != nil {
			t.log = log
		}
	}
}

func NewTokenizer(d Detector, v TokenVault, opts ...TokenizerOption) (*Tokenizer, error) {
	if d == nil {
		return nil, errors.New("pii: detector must not be nil")
	}
	if v == nil {
		return nil, errors.New("pii: vault must not be nil")
	}
	t := &Tokenizer{detector: d, vault: v, log: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With("component", "tokenizer")
	return t, nil
}

// Obfuscate detects PII in text and replaces each span with {token_id}.
func (t *Tokenizer) Obfuscate(ctx context.Context, text string, scope domain.ScopeKey) (Result, error) {
	entities, err := detectOne(ctx, t.detector, text)
	if err != nil {
		return Result{}, err
	}
	return t.ObfuscateEntities(ctx, text, scope, entities)
}

// ObfuscateEntities applies already detected entities to text. Tokens are
// minted in reading order, so the first name in a new scope is name_1.
func (t *Tokenizer) ObfuscateEntities(ctx context.Context, text string, scope domain.ScopeKey, entities []domain.DetectedEntity) (Result, error) {
	spans := resolveSpans(ctx, t.log, text, entities, t.minConfidence)
	placeholders := make([]string, len(spans))
	for i, s := range spans {
		id, err := t.vault.GetOrCreateToken(ctx, scope, s.Category, s.OriginalText)
		if err != nil {
			return Result{}, fmt.Errorf("pii: tokenize %s span at %d: %w", s.Category, s.Offset, err)
		}
		placeholders[i] = domain.Placeholder(id)
	}
	return Result{Text: replaceSpans(text, spans, placeholders), Entities: spans}, nil
}

// Deobfuscate substitutes every {token_id} in text with its original value.
// If any token is unknown in scope it returns *DeobfuscationIncompleteError
// and no text.
func (t *Tokenizer) Deobfuscate(ctx context.Context, text string, scope domain.ScopeKey) (string, error) {
	resolved := map[string]string{}
	var missing []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		id := m[1]
		if _, done := resolved[id]; done {
			continue
		}
		original, err := t.vault.ResolveToken(ctx, scope, id)
		if errors.Is(err, vault.ErrTokenNotFound) {
			resolved[id] = ""
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("pii: resolve %s: %w", id, err)
		}
		resolved[id] = original
	}
	if len(missing) > 0 {
		return "", &DeobfuscationIncompleteError{Missing: missing}
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(p string) string {
		return resolved[p[1:len(p)-1]]
	}), nil
}
