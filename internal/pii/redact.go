package pii

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pii-ledger/internal/domain"
)

// Redactor replaces PII with irreversible category markers.
type Redactor struct {
	detector       Detector
	minConfidence  float64
	showConfidence bool
	log            *slog.Logger
}

type RedactorOption func(*Redactor)

// WithRedactMinConfidence ignores spans scored below c.
func WithRedactMinConfidence(c float64) RedactorOption {
	return func(r *Redactor) { r.minConfidence = c }
}

// WithShowConfidence appends the detector score to each marker.
func WithShowConfidence(show bool) RedactorOption {
	return func(r *Redactor) { r.showConfidence = show }
}

func WithRedactLogger(log *slog.Logger) RedactorOption {
	return func(r *Redactor) {
		if log != nil {
			r.log = log
		}
	}
}

func NewRedactor(d Detector, opts ...RedactorOption) (*Redactor, error) {
	if d == nil {
		return nil, errors.New("pii: detector must not be nil")
	}
	r := &Redactor{detector: d, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "redactor")
	return r, nil
}

// Redact detects PII in text and replaces every span with a marker.
func (r *Redactor) Redact(ctx context.Context, text string) (Result, error) {
	entities, err := detectOne(ctx, r.detector, text)
	if err != nil {
		return Result{}, err
	}
	return r.RedactEntities(ctx, text, entities), nil
}

// RedactEntities applies already detected entities to text.
func (r *Redactor) RedactEntities(ctx context.Context, text string, entities []domain.DetectedEntity) Result {
	spans := resolveSpans(ctx, r.log, text, entities, r.minConfidence)
	markers := make([]string, len(spans))
	for i, s := range spans {
		markers[i] = r.marker(s)
	}
	return Result{Text: replaceSpans(text, spans, markers), Entities: spans}
}

func (r *Redactor) marker(e domain.DetectedEntity) string {
	category := strings.ToUpper(e.Category)
	if r.showConfidence {
		return fmt.Sprintf("[REDACTED-%s (%.2f)]", category, e.Confidence)
	}
	return "[REDACTED-" + category + "]"
}
