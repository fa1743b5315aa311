package domain

import "time"

// Status is the processing state of a message in the ledger.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "InProgress"
	StatusDone       Status = "Done"
	StatusFailed     Status = "Failed"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDone, StatusFailed:
		return true
	}
	return false
}

// LedgerEntry is the durable processing record for one message.
type LedgerEntry struct {
	MessageID      string    `json:"messageId" dynamodbav:"messageId"`
	ConversationID string    `json:"conversationId" dynamodbav:"conversationId"`
	Status         Status    `json:"status" dynamodbav:"status"`
	AttemptCount   int       `json:"attemptCount" dynamodbav:"attemptCount"`
	LastError      string    `json:"lastError,omitempty" dynamodbav:"lastError,omitempty"`
	Terminal       bool      `json:"terminal,omitempty" dynamodbav:"terminal,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt" dynamodbav:"updatedAt"`
	Version        int64     `json:"version" dynamodbav:"version"`
}

// Ref identifies the entry's message across conversations.
func (e LedgerEntry) Ref() string {
	return MessageRef(e.ConversationID, e.MessageID)
}
