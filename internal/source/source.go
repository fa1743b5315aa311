// Package source reads upstream chat messages from the document store.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pii-ledger/internal/domain"
	"pii-ledger/internal/repository"
)

// Collection is the store collection holding upstream messages.
const Collection = "messages"

// Messages gives read access to the message collection. Put exists for
// importing fixtures and offline corpora; the pipeline never writes here.
type Messages struct {
	store repository.Store
}

func New(store repository.Store) (*Messages, error) {
	if store == nil {
		return nil, errors.New("source: store must not be nil")
	}
	return &Messages{store: store}, nil
}

// Key addresses one message.
func Key(conversationID, messageID string) repository.Key {
	return repository.Key{Collection: Collection, PK: "CONV#" + conversationID, SK: "MSG#" + messageID}
}

// Get reads one message.
func (m *Messages) Get(ctx context.Context, conversationID, messageID string) (domain.Message, error) {
	var msg domain.Message
	if err := m.store.Get(ctx, Key(conversationID, messageID), &msg); err != nil {
		return domain.Message{}, fmt.Errorf("source: get %s/%s: %w", conversationID, messageID, err)
	}
	return msg, nil
}

// Scan calls fn with every stored message, one page at a time.
func (m *Messages) Scan(ctx context.Context, fn func([]domain.Message) error) error {
	return m.store.Scan(ctx, Collection, func(page []repository.Record) error {
		msgs, err := repository.DecodeAll[domain.Message](page)
		if err != nil {
			return fmt.Errorf("source: decode: %w", err)
		}
		return fn(msgs)
	})
}

// Conversation lists the messages of one conversation in id order.
func (m *Messages) Conversation(ctx context.Context, conversationID string) ([]domain.Message, error) {
	records, err := m.store.Query(ctx, repository.Query{Collection: Collection, PK: "CONV#" + conversationID, SKPrefix: "MSG#"})
	if err != nil {
		return nil, fmt.Errorf("source: conversation %s: %w", conversationID, err)
	}
	return repository.DecodeAll[domain.Message](records)
}

// Put upserts messages and returns how many were written.
func (m *Messages) Put(ctx context.Context, msgs []domain.Message) (int, error) {
	for i, msg := range msgs {
		if strings.TrimSpace(msg.ID) == "" || strings.TrimSpace(msg.ConversationID) == "" {
			return i, fmt.Errorf("source: message %d: id and conversation id are required", i)
		}
		if err := m.store.Write(ctx, repository.Write{Key: Key(msg.ConversationID, msg.ID), Doc: msg}); err != nil {
			return i, fmt.Errorf("source: put %s: %w", msg.ID, err)
		}
	}
	return len(msgs), nil
}
