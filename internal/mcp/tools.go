package mcp

import (
	"time"

	"github.com/Aman-CERP/msgsearch/internal/async"
	"github.com/Aman-CERP/msgsearch/internal/message"
)

// Tool names.
const (
	ToolSearchMessages = "search_messages"
	ToolListMessages   = "list_messages"
	ToolIndexStatus    = "index_status"
)

// SearchMessagesInput defines the input schema for the search_messages tool.
type SearchMessagesInput struct {
	WebsiteID      string `json:"website_id" jsonschema:"tenant (website) the conversation belongs to"`
	ConversationID string `json:"conversation_id" jsonschema:"conversation to search in"`
	Query          string `json:"query" jsonschema:"words to look for; small typos are tolerated"`
	Page           int    `json:"page,omitempty" jsonschema:"1-based page number, default 1"`
	PerPage        int    `json:"per_page,omitempty" jsonschema:"results per page, 1 to 100, default 10"`
}

// ListMessagesInput defines the input schema for the list_messages tool.
type ListMessagesInput struct {
	WebsiteID      string `json:"website_id" jsonschema:"tenant (website) the conversation belongs to"`
	ConversationID string `json:"conversation_id" jsonschema:"conversation to list"`
	Page           int    `json:"page,omitempty" jsonschema:"1-based page number, default 1"`
	PerPage        int    `json:"per_page,omitempty" jsonschema:"messages per page, 1 to 100, default 10"`
	Sort           string `json:"sort,omitempty" jsonschema:"ASC (oldest first, default) or DESC"`
}

// MessagesOutput is the result of search_messages and list_messages.
type MessagesOutput struct {
	Messages []MessageOutput `json:"messages"`
	Page     int             `json:"page"`
	PerPage  int             `json:"per_page"`
}

// MessageOutput is one message as returned to MCP clients.
type MessageOutput struct {
	ID             string         `json:"id"`
	WebsiteID      string         `json:"website_id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id,omitempty"`
	Content        string         `json:"content"`
	Timestamp      string         `json:"timestamp" jsonschema:"creation time, RFC 3339"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// IndexStatusInput defines the input schema for the index_status tool (no parameters).
type IndexStatusInput struct{}

// IndexStatusOutput defines the output schema for the index_status tool.
type IndexStatusOutput struct {
	Index     string                `json:"index"`
	Status    string                `json:"status"` // "ready" or "unavailable"
	Documents uint64                `json:"documents"`
	Store     string                `json:"store"`
	Channel   string                `json:"channel"`
	Consumer  *async.StatusSnapshot `json:"consumer,omitempty"`
	Error     string                `json:"error,omitempty"`
}

func toMessageOutputs(msgs []message.Message) []MessageOutput {
	out := make([]MessageOutput, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageOutput{
			ID:             m.ID,
			WebsiteID:      m.TenantID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			Content:        m.Content,
			Timestamp:      m.Timestamp.UTC().Format(time.RFC3339Nano),
			Metadata:       m.Metadata,
		})
	}
	return out
}
