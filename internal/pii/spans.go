// Package pii rewrites text around detected PII spans: the redaction engine
// replaces them with category markers, the tokenization engine with
// reversible vault tokens.
package pii

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"pii-ledger/internal/detector"
	"pii-ledger/internal/domain"
)

// Detector finds PII spans in texts, one result per input in input order.
type Detector interface {
	Detect(ctx context.Context, texts []string) ([]detector.Result, error)
}

// Result is rewritten text plus the spans that were replaced, ordered by
// offset in the input text.
type Result struct {
	Text     string
	Entities []domain.DetectedEntity
}

// resolveSpans drops invalid and low-confidence spans, then resolves
// overlaps: higher confidence wins, ties go to the earlier offset, then the
// longer span, then the category name. The survivors are returned in offset
// order with OriginalText taken from text.
func resolveSpans(ctx context.Context, log *slog.Logger, text string, entities []domain.DetectedEntity, minConfidence float64) []domain.DetectedEntity {
	candidates := make([]domain.DetectedEntity, 0, len(entities))
	for _, e := range entities {
		if !validSpan(text, e) {
			log.WarnContext(ctx, "dropping invalid span",
				"category", e.Category, "offset", e.Offset, "length", e.Length, "text_length", len(text))
			continue
		}
		if e.Confidence < minConfidence {
			continue
		}
		e.OriginalText = text[e.Offset:e.End()]
		candidates = append(candidates, e)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		if a.Length != b.Length {
			return a.Length > b.Length
		}
		return a.Category < b.Category
	})

	kept := make([]domain.DetectedEntity, 0, len(candidates))
	for _, c := range candidates {
		conflict := -1
		for i, k := range kept {
			if c.Overlaps(k) {
				conflict = i
				break
			}
		}
		if conflict >= 0 {
			log.DebugContext(ctx, "DetectorSpanConflict",
				"dropped_category", c.Category, "dropped_offset", c.Offset, "dropped_confidence", c.Confidence,
				"kept_category", kept[conflict].Category, "kept_offset", kept[conflict].Offset)
			continue
		}
		kept = append(kept, c)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Offset < kept[j].Offset })
	return kept
}

func validSpan(text string, e domain.DetectedEntity) bool {
	if e.Offset < 0 || e.Length <= 0 || e.End() > len(text) {
		return false
	}
	if !utf8.RuneStart(text[e.Offset]) {
		return false
	}
	return e.End() == len(text) || utf8.RuneStart(text[e.End()])
}

// replaceSpans substitutes spans, which must be non-overlapping and sorted
// by offset, with the matching replacements. Splicing runs from the last
// span backwards so earlier offsets stay valid.
func replaceSpans(text string, spans []domain.DetectedEntity, replacements []string) string {
	out := text
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		out = out[:s.Offset] + replacements[i] + out[s.End():]
	}
	return out
}

func detectOne(ctx context.Context, d Detector, text string) ([]domain.DetectedEntity, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	res, err := d.Detect(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(res) != 1 {
		return nil, &detector.Error{Kind: detector.Fatal, Message: "result count mismatch"}
	}
	if res[0].Err != nil {
		return nil, res[0].Err
	}
	return res[0].Entities, nil
}
