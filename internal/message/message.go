// Package message defines the domain types shared by the ingestion pipeline,
// the indexing consumer and the query side: messages, creation events and
// pagination filters.
package message

import (
	"time"
)

// Names shared by producer and consumer.
const (
	// TopicCreated is the event topic carrying creation events.
	TopicCreated = "message.created"

	// DefaultPartitions is the partition count of TopicCreated.
	DefaultPartitions = 3

	// IndexName is the search index holding message documents.
	IndexName = "messages"
)

// Message is a persisted chat message. Immutable after creation.
type Message struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"websiteId"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId,omitempty"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CreateInput is what a caller supplies to create a message.
// The id and timestamp are assigned at persistence.
type CreateInput struct {
	TenantID       string
	ConversationID string
	SenderID       string
	Content        string
	Metadata       map[string]any
}

// Event converts a persisted message into its creation event.
func (m Message) Event() CreationEvent {
	return CreationEvent{
		ID:             m.ID,
		Content:        m.Content,
		Timestamp:      m.Timestamp,
		TenantID:       m.TenantID,
		ConversationID: m.ConversationID,
	}
}
