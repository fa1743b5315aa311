// Package output persists transformed messages and the failure report.
package output

import (
	"context"

	"pii-ledger/internal/domain"
	"pii-ledger/internal/repository"
)

// Collection is the store collection written by the cloud sink.
const Collection = "outputs"

// Sink receives transformed messages. For every successful batch the
// pipeline calls Flush once, then commits each ledger entry together with
// the writes returned by Stage.
type Sink interface {
	// Stage returns writes that must commit atomically with the message's
	// Done transition.
	Stage(rec domain.OutputRecord) []repository.Write
	// Flush persists a batch before its ledger entries are marked Done.
	Flush(ctx context.Context, recs []domain.OutputRecord) error
}

// Key addresses the output record of a message.
func Key(conversationID, messageID string) repository.Key {
	return repository.Key{Collection: Collection, PK: "OUT", SK: "MSG#" + domain.MessageRef(conversationID, messageID)}
}

// CloudSink writes output records to the document store in the same
// transaction as the ledger update, so a message is never Done without its
// output.
type CloudSink struct{}

func NewCloudSink() *CloudSink {
	return &CloudSink{}
}

func (*CloudSink) Stage(rec domain.OutputRecord) []repository.Write {
	return []repository.Write{{Key: Key(rec.ConversationID, rec.MessageID), Doc: rec}}
}

func (*CloudSink) Flush(context.Context, []domain.OutputRecord) error {
	return nil
}
