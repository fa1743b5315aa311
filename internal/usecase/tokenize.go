package usecase

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"pii-ledger/internal/detector"
	"pii-ledger/internal/domain"
	"pii-ledger/internal/pii"
)

const defaultMaxTextLength = 5120

type Obfuscator interface {
	Obfuscate(ctx context.Context, text string, scope domain.ScopeKey) (pii.Result, error)
	Deobfuscate(ctx context.Context, text string, scope domain.ScopeKey) (string, error)
}

type ScopeEraser interface {
	EraseScope(ctx context.Context, scope domain.ScopeKey) (int, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// TokenizeService is the interactive surface over the tokenization engine.
type TokenizeService struct {
	engine     Obfuscator
	eraser     ScopeEraser
	maxTextLen int
}

type TokenizeInput struct {
	Text           string
	UserID         string
	ConversationID string
}

type TokenizeOutput struct {
	Text           string
	ConversationID string
	Entities       []domain.EntitySummary
}

func NewTokenizeService(engine Obfuscator, eraser ScopeEraser, maxTextLen int) (*TokenizeService, error) {
	if engine == nil {
		return nil, errors.New("usecase: tokenization engine must not be nil")
	}
	if eraser == nil {
		return nil, errors.New("usecase: scope eraser must not be nil")
	}
	if maxTextLen <= 0 {
		maxTextLen = defaultMaxTextLength
	}
	return &TokenizeService{engine: engine, eraser: eraser, maxTextLen: maxTextLen}, nil
}

func (s *TokenizeService) validate(in TokenizeInput, requireConversation bool) *Error {
	if strings.TrimSpace(in.Text) == "" {
		return newError(ErrorInvalidInput, "empty_text", nil)
	}
	if len(in.Text) > s.maxTextLen {
		return newError(ErrorInvalidInput, "text_too_long", nil)
	}
	if strings.TrimSpace(in.UserID) == "" {
		return newError(ErrorInvalidInput, "missing_user_id", nil)
	}
	if requireConversation && strings.TrimSpace(in.ConversationID) == "" {
		return newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	return nil
}

// Obfuscate replaces PII in the text with tokens scoped to the user and
// conversation. A missing conversation id starts a new conversation.
func (s *TokenizeService) Obfuscate(ctx context.Context, in TokenizeInput) (TokenizeOutput, error) {
	if err := s.validate(in, false); err != nil {
		return TokenizeOutput{}, err
	}
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		convID = newUUID()
	}

	res, err := s.engine.Obfuscate(ctx, in.Text, domain.NewScopeKey(in.UserID, convID))
	if err != nil {
		var de *detector.Error
		if !errors.As(err, &de) {
			return TokenizeOutput{}, newError(ErrorInternal, "vault_error", err)
		}
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return TokenizeOutput{}, newError(ErrorRateLimited, "detector_rate_limited", err)
		}
		if de.Code != "" {
			return TokenizeOutput{}, newError(ErrorInvalidInput, "detector_rejected_text", err)
		}
		return TokenizeOutput{}, newError(ErrorUpstream, "detector_error", err)
	}
	return TokenizeOutput{
		Text:           res.Text,
		ConversationID: convID,
		Entities:       domain.Summarize(res.Entities),
	}, nil
}

// Deobfuscate restores the original text. Any unknown token fails the whole
// request.
func (s *TokenizeService) Deobfuscate(ctx context.Context, in TokenizeInput) (TokenizeOutput, error) {
	if err := s.validate(in, true); err != nil {
		return TokenizeOutput{}, err
	}
	convID := strings.TrimSpace(in.ConversationID)
	text, err := s.engine.Deobfuscate(ctx, in.Text, domain.NewScopeKey(in.UserID, convID))
	if err != nil {
		var incomplete *pii.DeobfuscationIncompleteError
		if errors.As(err, &incomplete) {
			e := newError(ErrorTokenNotFound, "unresolved_tokens", err)
			e.Missing = incomplete.Missing
			return TokenizeOutput{}, e
		}
		return TokenizeOutput{}, newError(ErrorInternal, "vault_error", err)
	}
	return TokenizeOutput{Text: text, ConversationID: convID}, nil
}

// Erase drops every token of one user's conversation.
func (s *TokenizeService) Erase(ctx context.Context, userID, conversationID string) (int, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(conversationID) == "" {
		return 0, newError(ErrorInvalidInput, "missing_scope", nil)
	}
	n, err := s.eraser.EraseScope(ctx, domain.NewScopeKey(userID, conversationID))
	if err != nil {
		return n, newError(ErrorInternal, "vault_error", err)
	}
	return n, nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
