package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCategorySlug(t *testing.T) {
	cases := map[string]string{
		"Name":                      "name",
		"SSN":                       "ssn",
		"US Social Security Number": "ussocialsecuritynumber",
		"Phone-Number":              "phonenumber",
		"":                          "",
	}
	for in, want := range cases {
		require.Equal(t, want, CategorySlug(in), "category=%q", in)
	}
}

func TestTokenID(t *testing.T) {
	require.Equal(t, "name_1", TokenID("Name", 1))
	require.Equal(t, "address_12", TokenID("Address", 12))
	require.Equal(t, "{ssn_3}", Placeholder(TokenID("SSN", 3)))
}

func TestNewScopeKey(t *testing.T) {
	require.Equal(t, ScopeKey("user_001/conv_001"), NewScopeKey(" user_001", "conv_001 "))
	msg := Message{UserID: "u", ConversationID: "c"}
	require.Equal(t, ScopeKey("u/c"), msg.ScopeKey())
	require.True(t, msg.ScopeKey().Valid())
}

func TestNewScopeKey_SlashInIDs(t *testing.T) {
	a := NewScopeKey("alice/x", "conv1")
	b := NewScopeKey("alice", "x/conv1")
	require.NotEqual(t, a, b)
	require.True(t, a.Valid())
	require.True(t, b.Valid())
}

func TestScopeKey_Valid(t *testing.T) {
	require.False(t, NewScopeKey("", "c1").Valid())
	require.False(t, NewScopeKey("u1", " ").Valid())
	require.False(t, ScopeKey("").Valid())
	require.False(t, ScopeKey("u1/c1/x").Valid())
}

func TestMessageRef(t *testing.T) {
	require.Equal(t, "c1/m1", MessageRef("c1", "m1"))
	require.NotEqual(t, MessageRef("a/b", "c"), MessageRef("a", "b/c"))
	require.NotEqual(t, MessageRef("convA", "1"), MessageRef("convB", "1"))

	msg := Message{ID: "1", ConversationID: "convA"}
	entry := LedgerEntry{MessageID: "1", ConversationID: "convA"}
	rec := OutputRecord{MessageID: "1", ConversationID: "convA"}
	require.Equal(t, msg.Ref(), entry.Ref())
	require.Equal(t, msg.Ref(), rec.Ref())
}

func TestDetectedEntity_Overlaps(t *testing.T) {
	a := DetectedEntity{Offset: 0, Length: 8}
	b := DetectedEntity{Offset: 5, Length: 5}
	c := DetectedEntity{Offset: 8, Length: 2}
	require.True(t, a.Overlaps(b))
	require.True(t, b.Overlaps(a))
	require.False(t, a.Overlaps(c), "adjacent spans do not overlap")
	require.Equal(t, 10, b.End())
}

func TestStatus_Valid(t *testing.T) {
	require.True(t, StatusPending.Valid())
	require.True(t, StatusFailed.Valid())
	require.False(t, Status("Archived").Valid())
}

func TestSummarize(t *testing.T) {
	require.Nil(t, Summarize(nil))
	out := Summarize([]DetectedEntity{{Category: "Name", Offset: 0, Length: 8, Confidence: 0.9, OriginalText: "John Doe"}})
	require.Equal(t, []EntitySummary{{Category: "Name", Offset: 0, Length: 8, Confidence: 0.9}}, out)
}
