package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ScopeKey isolates token numbering and reversal. Tokens minted under one
// scope never resolve under another.
type ScopeKey string

// NewScopeKey builds the per-user, per-conversation scope. Both parts are
// path-escaped, so a "/" inside an id cannot move the boundary between them.
func NewScopeKey(userID, conversationID string) ScopeKey {
	return ScopeKey(joinEscaped(strings.TrimSpace(userID), strings.TrimSpace(conversationID)))
}

// Valid reports whether both parts of the scope are present.
func (s ScopeKey) Valid() bool {
	user, conv, ok := strings.Cut(string(s), "/")
	return ok && user != "" && conv != "" && !strings.Contains(conv, "/")
}

func joinEscaped(a, b string) string {
	return url.PathEscape(a) + "/" + url.PathEscape(b)
}

// TokenRecord maps a normalized entity to its placeholder token within a scope.
type TokenRecord struct {
	ScopeKey       ScopeKey  `json:"scopeKey" dynamodbav:"scopeKey"`
	Category       string    `json:"category" dynamodbav:"category"`
	NormalizedText string    `json:"normalizedValue" dynamodbav:"normalizedValue"`
	OriginalText   string    `json:"originalValue" dynamodbav:"originalValue"`
	TokenID        string    `json:"token" dynamodbav:"token"`
	CreatedAt      time.Time `json:"createdAt" dynamodbav:"createdAt"`
}

// TokenID formats the token for the n-th entity of a category, e.g. name_1.
func TokenID(category string, n int64) string {
	return fmt.Sprintf("%s_%d", CategorySlug(category), n)
}

// Placeholder wraps a token id the way it appears in obfuscated text.
func Placeholder(tokenID string) string {
	return "{" + tokenID + "}"
}
