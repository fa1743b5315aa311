package domain

import "time"

// Transform names what the pipeline does to message text.
type Transform string

const (
	TransformRedact    Transform = "redact"
	TransformObfuscate Transform = "obfuscate"
)

// EntitySummary describes a replaced span without its raw text.
type EntitySummary struct {
	Category   string  `json:"category" dynamodbav:"category"`
	Confidence float64 `json:"confidence" dynamodbav:"confidence"`
	Offset     int     `json:"offset" dynamodbav:"offset"`
	Length     int     `json:"length" dynamodbav:"length"`
}

// OutputRecord is a transformed message as written to a sink.
type OutputRecord struct {
	MessageID       string          `json:"message_id" dynamodbav:"messageId"`
	ConversationID  string          `json:"conversation_id,omitempty" dynamodbav:"conversationId"`
	TransformedText string          `json:"transformed_text" dynamodbav:"transformedText"`
	EntitySummary   []EntitySummary `json:"entity_summary,omitempty" dynamodbav:"entitySummary,omitempty"`
	Transform       Transform       `json:"transform,omitempty" dynamodbav:"transform"`
	ProcessedAt     time.Time       `json:"processed_at" dynamodbav:"processedAt"`
}

// Summarize strips raw text from the applied entities.
func Summarize(entities []DetectedEntity) []EntitySummary {
	if len(entities) == 0 {
		return nil
	}
	out := make([]EntitySummary, 0, len(entities))
	for _, e := range entities {
		out = append(out, EntitySummary{
			Category:   e.Category,
			Confidence: e.Confidence,
			Offset:     e.Offset,
			Length:     e.Length,
		})
	}
	return out
}

// Ref identifies the record's message across conversations.
func (r OutputRecord) Ref() string {
	return MessageRef(r.ConversationID, r.MessageID)
}
