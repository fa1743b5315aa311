package domain

import "time"

// Message is a single upstream chat message. It is owned upstream and never
// modified here.
type Message struct {
	ID             string    `json:"id" dynamodbav:"id"`
	ConversationID string    `json:"conversationId" dynamodbav:"conversationId"`
	UserID         string    `json:"userId" dynamodbav:"userId"`
	RawText        string    `json:"content" dynamodbav:"content"`
	ArrivalTime    time.Time `json:"arrivalTime" dynamodbav:"arrivalTime"`
}

// ScopeKey returns the token scope for the message: one key space per user
// and conversation.
func (m Message) ScopeKey() ScopeKey {
	return NewScopeKey(m.UserID, m.ConversationID)
}

// Ref identifies the message across conversations.
func (m Message) Ref() string {
	return MessageRef(m.ConversationID, m.ID)
}

// MessageRef is the store identity of a message. Message ids are only unique
// within their conversation, so the conversation id is part of it.
func MessageRef(conversationID, messageID string) string {
	return joinEscaped(conversationID, messageID)
}
