package pipeline

import (
	"context"

	"pii-ledger/internal/domain"
	"pii-ledger/internal/pii"
)

// Transformer rewrites one message given its detected entities.
type Transformer interface {
	Kind() domain.Transform
	Apply(ctx context.Context, msg domain.Message, entities []domain.DetectedEntity) (pii.Result, error)
}

type redaction struct {
	r *pii.Redactor
}

// Redaction builds the permanent de-identification transform.
func Redaction(r *pii.Redactor) Transformer {
	return redaction{r: r}
}

func (redaction) Kind() domain.Transform { return domain.TransformRedact }

func (t redaction) Apply(ctx context.Context, msg domain.Message, entities []domain.DetectedEntity) (pii.Result, error) {
	return t.r.RedactEntities(ctx, msg.RawText, entities), nil
}

type tokenization struct {
	t *pii.Tokenizer
}

// Tokenization builds the reversible transform. Tokens are scoped to the
// message's user and conversation.
func Tokenization(t *pii.Tokenizer) Transformer {
	return tokenization{t: t}
}

func (tokenization) Kind() domain.Transform { return domain.TransformObfuscate }

func (t tokenization) Apply(ctx context.Context, msg domain.Message, entities []domain.DetectedEntity) (pii.Result, error) {
	return t.t.ObfuscateEntities(ctx, msg.RawText, msg.ScopeKey(), entities)
}
