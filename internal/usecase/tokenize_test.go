package usecase

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"pii-ledger/internal/detector"
	"pii-ledger/internal/domain"
	"pii-ledger/internal/pii"
	"pii-ledger/internal/vault"
)

type mockEngine struct {
	result      pii.Result
	err         error
	deobText    string
	deobErr     error
	gotScope    domain.ScopeKey
	obfuscateIn string
}

func (m *mockEngine) Obfuscate(_ context.Context, text string, scope domain.ScopeKey) (pii.Result, error) {
	m.obfuscateIn = text
	m.gotScope = scope
	return m.result, m.err
}

func (m *mockEngine) Deobfuscate(_ context.Context, _ string, scope domain.ScopeKey) (string, error) {
	m.gotScope = scope
	return m.deobText, m.deobErr
}

type mockEraser struct {
	n        int
	err      error
	gotScope domain.ScopeKey
}

func (m *mockEraser) EraseScope(_ context.Context, scope domain.ScopeKey) (int, error) {
	m.gotScope = scope
	return m.n, m.err
}

func newTestService(t *testing.T, engine Obfuscator) *TokenizeService {
	t.Helper()
	svc, err := NewTokenizeService(engine, &mockEraser{}, 100)
	require.NoError(t, err)
	return svc
}

func expectError(t *testing.T, err error, code ErrorCode, reason string) *Error {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
	return usecaseErr
}

func TestNewTokenizeService_ValidatesDependencies(t *testing.T) {
	_, err := NewTokenizeService(nil, &mockEraser{}, 10)
	require.Error(t, err)
	_, err = NewTokenizeService(&mockEngine{}, nil, 10)
	require.Error(t, err)

	svc, err := NewTokenizeService(&mockEngine{}, &mockEraser{}, 0)
	require.NoError(t, err)
	require.Equal(t, defaultMaxTextLength, svc.maxTextLen)
}

func TestObfuscate_HappyPath(t *testing.T) {
	engine := &mockEngine{result: pii.Result{
		Text:     "{name_1} called",
		Entities: []domain.DetectedEntity{{Category: domain.CategoryName, Offset: 0, Length: 4, Confidence: 0.9, OriginalText: "John"}},
	}}
	svc := newTestService(t, engine)

	out, err := svc.Obfuscate(context.Background(), TokenizeInput{Text: "John called", UserID: "u1", ConversationID: "c1"})
	require.NoError(t, err)
	require.Equal(t, "{name_1} called", out.Text)
	require.Equal(t, "c1", out.ConversationID)
	require.Equal(t, domain.ScopeKey("u1/c1"), engine.gotScope)
	require.Equal(t, []domain.EntitySummary{{Category: domain.CategoryName, Confidence: 0.9, Offset: 0, Length: 4}}, out.Entities)
}

func TestObfuscate_MissingConversationID_GeneratesID(t *testing.T) {
	orig := newUUID
	newUUID = func() string { return "generated" }
	t.Cleanup(func() { newUUID = orig })

	engine := &mockEngine{}
	svc := newTestService(t, engine)
	out, err := svc.Obfuscate(context.Background(), TokenizeInput{Text: "hi", UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, "generated", out.ConversationID)
	require.Equal(t, domain.ScopeKey("u1/generated"), engine.gotScope)
}

func TestObfuscate_SlashInIDsGetsDistinctScopes(t *testing.T) {
	engine := &mockEngine{}
	svc := newTestService(t, engine)

	_, err := svc.Obfuscate(context.Background(), TokenizeInput{Text: "hi", UserID: "alice/x", ConversationID: "conv1"})
	require.NoError(t, err)
	first := engine.gotScope
	_, err = svc.Obfuscate(context.Background(), TokenizeInput{Text: "hi", UserID: "alice", ConversationID: "x/conv1"})
	require.NoError(t, err)
	require.NotEqual(t, first, engine.gotScope)
	require.Equal(t, domain.ScopeKey("alice%2Fx/conv1"), first)
}

func TestObfuscate_ValidationErrors(t *testing.T) {
	svc := newTestService(t, &mockEngine{})

	_, err := svc.Obfuscate(context.Background(), TokenizeInput{Text: " ", UserID: "u1"})
	expectError(t, err, ErrorInvalidInput, "empty_text")

	_, err = svc.Obfuscate(context.Background(), TokenizeInput{Text: strings.Repeat("a", 101), UserID: "u1"})
	expectError(t, err, ErrorInvalidInput, "text_too_long")

	_, err = svc.Obfuscate(context.Background(), TokenizeInput{Text: "hi"})
	expectError(t, err, ErrorInvalidInput, "missing_user_id")
}

func TestObfuscate_DetectorErrors(t *testing.T) {
	cases := []struct {
		err    error
		code   ErrorCode
		reason string
	}{
		{&detector.Error{Kind: detector.Retryable, StatusCode: http.StatusTooManyRequests}, ErrorRateLimited, "detector_rate_limited"},
		{&detector.Error{Kind: detector.Retryable, StatusCode: http.StatusServiceUnavailable}, ErrorUpstream, "detector_error"},
		{&detector.Error{Kind: detector.Fatal, StatusCode: http.StatusUnauthorized}, ErrorUpstream, "detector_error"},
		{&detector.Error{Kind: detector.Fatal, Code: "InvalidDocument"}, ErrorInvalidInput, "detector_rejected_text"},
		{errors.New("store down"), ErrorInternal, "vault_error"},
	}
	for _, tc := range cases {
		svc := newTestService(t, &mockEngine{err: tc.err})
		_, err := svc.Obfuscate(context.Background(), TokenizeInput{Text: "hi", UserID: "u1", ConversationID: "c1"})
		expectError(t, err, tc.code, tc.reason)
		require.ErrorIs(t, err, tc.err)
	}
}

func TestDeobfuscate(t *testing.T) {
	engine := &mockEngine{deobText: "John called"}
	svc := newTestService(t, engine)

	out, err := svc.Deobfuscate(context.Background(), TokenizeInput{Text: "{name_1} called", UserID: "u1", ConversationID: "c1"})
	require.NoError(t, err)
	require.Equal(t, "John called", out.Text)
	require.Equal(t, domain.ScopeKey("u1/c1"), engine.gotScope)

	_, err = svc.Deobfuscate(context.Background(), TokenizeInput{Text: "{name_1}", UserID: "u1"})
	expectError(t, err, ErrorInvalidInput, "missing_conversation_id")
}

func TestDeobfuscate_Errors(t *testing.T) {
	incomplete := &pii.DeobfuscationIncompleteError{Missing: []string{"name_9"}}
	svc := newTestService(t, &mockEngine{deobErr: incomplete})
	_, err := svc.Deobfuscate(context.Background(), TokenizeInput{Text: "{name_9}", UserID: "u1", ConversationID: "c1"})
	ue := expectError(t, err, ErrorTokenNotFound, "unresolved_tokens")
	require.Equal(t, []string{"name_9"}, ue.Missing)
	require.ErrorIs(t, err, vault.ErrTokenNotFound)

	svc = newTestService(t, &mockEngine{deobErr: errors.New("store down")})
	_, err = svc.Deobfuscate(context.Background(), TokenizeInput{Text: "{name_1}", UserID: "u1", ConversationID: "c1"})
	expectError(t, err, ErrorInternal, "vault_error")
}

func TestErase(t *testing.T) {
	eraser := &mockEraser{n: 4}
	svc, err := NewTokenizeService(&mockEngine{}, eraser, 0)
	require.NoError(t, err)

	n, err := svc.Erase(context.Background(), "u1", "c1")
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, domain.ScopeKey("u1/c1"), eraser.gotScope)

	_, err = svc.Erase(context.Background(), "u1", "")
	expectError(t, err, ErrorInvalidInput, "missing_scope")

	eraser.err = errors.New("store down")
	_, err = svc.Erase(context.Background(), "u1", "c1")
	expectError(t, err, ErrorInternal, "vault_error")
}

func TestError_Message(t *testing.T) {
	require.Equal(t, "usecase: INVALID_INPUT (empty_text)", newError(ErrorInvalidInput, "empty_text", nil).Error())
	require.Equal(t, "usecase: INTERNAL_ERROR (vault_error): boom", newError(ErrorInternal, "vault_error", errors.New("boom")).Error())
}
