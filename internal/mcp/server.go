package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/msgsearch/internal/async"
	"github.com/Aman-CERP/msgsearch/internal/config"
	"github.com/Aman-CERP/msgsearch/internal/index"
	"github.com/Aman-CERP/msgsearch/internal/message"
	"github.com/Aman-CERP/msgsearch/internal/search"
	"github.com/Aman-CERP/msgsearch/pkg/version"
)

// ServerName is the implementation name announced to clients.
const ServerName = "msgsearch"

// StatusSource reports indexing consumer progress.
type StatusSource interface {
	Snapshot() async.StatusSnapshot
}

// Server bridges MCP clients with the conversation query engine.
type Server struct {
	mcp    *mcp.Server
	engine search.SearchEngine
	index  index.Index
	status StatusSource
	config *config.Config
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithIndex lets index_status count indexed documents.
func WithIndex(idx index.Index) Option {
	return func(s *Server) { s.index = idx }
}

// WithStatus lets index_status report the indexing consumer.
func WithStatus(src StatusSource) Option {
	return func(s *Server) { s.status = src }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var tools = []ToolInfo{
	{
		Name:        ToolSearchMessages,
		Description: "Search one conversation for messages containing the given words. Matching is case-insensitive and tolerates small typos. Results are ordered by relevance.",
	},
	{
		Name:        ToolListMessages,
		Description: "List the messages of one conversation in creation order, one page at a time. Reads the primary store, so it includes messages not yet searchable.",
	},
	{
		Name:        ToolIndexStatus,
		Description: "Report the search index document count and the indexing consumer state. Use it to tell whether recent messages are searchable yet.",
	},
}

// NewServer creates an MCP server over engine.
func NewServer(engine search.SearchEngine, cfg *config.Config, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, errors.New("search engine is required")
	}
	if cfg == nil {
		cfg = config.NewConfig()
	}

	s := &Server{
		engine: engine,
		config: cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcp = mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: version.Version}, nil)
	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return append([]ToolInfo(nil), tools...)
}

// CallTool invokes a tool by name with JSON-style arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case ToolSearchMessages:
		var in SearchMessagesInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.searchMessages(ctx, in)
	case ToolListMessages:
		var in ListMessagesInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.listMessages(ctx, in)
	case ToolIndexStatus:
		return s.indexStatus(ctx), nil
	default:
		return nil, NewMethodNotFoundError(name)
	}
}

func decodeArgs(args map[string]any, v any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return NewInvalidParamsError("arguments must be a JSON object")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return NewInvalidParamsError(fmt.Sprintf("invalid arguments: %v", err))
	}
	return nil
}

func pageFilter(page, perPage int) message.Filter {
	f := message.DefaultFilter()
	if page != 0 {
		f.Page = page
	}
	if perPage != 0 {
		f.PerPage = perPage
	}
	return f
}

func requireScope(websiteID, conversationID string) error {
	if strings.TrimSpace(websiteID) == "" {
		return NewInvalidParamsError("website_id is required")
	}
	if strings.TrimSpace(conversationID) == "" {
		return NewInvalidParamsError("conversation_id is required")
	}
	return nil
}

func (s *Server) searchMessages(ctx context.Context, in SearchMessagesInput) (*MessagesOutput, error) {
	if err := requireScope(in.WebsiteID, in.ConversationID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, NewInvalidParamsError("query cannot be empty or whitespace only")
	}

	start := time.Now()
	requestID := generateRequestID()
	f := pageFilter(in.Page, in.PerPage)

	msgs, err := s.engine.Search(ctx, in.WebsiteID, in.ConversationID, in.Query, f)
	if err != nil {
		s.logger.Warn("mcp_search_failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}

	s.logger.Info("mcp_search_completed",
		slog.String("request_id", requestID),
		slog.String("tenant", in.WebsiteID),
		slog.String("conversation", in.ConversationID),
		slog.Duration("duration", time.Since(start)),
		slog.Int("result_count", len(msgs)))
	return &MessagesOutput{Messages: toMessageOutputs(msgs), Page: f.Page, PerPage: f.PerPage}, nil
}

func (s *Server) listMessages(ctx context.Context, in ListMessagesInput) (*MessagesOutput, error) {
	if err := requireScope(in.WebsiteID, in.ConversationID); err != nil {
		return nil, err
	}
	f := pageFilter(in.Page, in.PerPage)
	sort, err := message.ParseSort(in.Sort)
	if err != nil {
		return nil, MapError(err)
	}
	f.Sort = sort

	start := time.Now()
	requestID := generateRequestID()

	msgs, err := s.engine.List(ctx, in.WebsiteID, in.ConversationID, f)
	if err != nil {
		s.logger.Warn("mcp_list_failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}

	s.logger.Info("mcp_list_completed",
		slog.String("request_id", requestID),
		slog.String("tenant", in.WebsiteID),
		slog.String("conversation", in.ConversationID),
		slog.Duration("duration", time.Since(start)),
		slog.Int("result_count", len(msgs)))
	return &MessagesOutput{Messages: toMessageOutputs(msgs), Page: f.Page, PerPage: f.PerPage}, nil
}

// indexStatus never fails: an unreachable index is reported in the output.
func (s *Server) indexStatus(ctx context.Context) *IndexStatusOutput {
	out := &IndexStatusOutput{
		Index:   s.config.Index.Name,
		Status:  "ready",
		Store:   s.config.Store.Backend,
		Channel: s.config.Channel.Backend,
	}
	if s.index != nil {
		n, err := s.index.Count(ctx, s.config.Index.Name)
		if err != nil {
			out.Status = "unavailable"
			out.Error = MapError(err).Message
		}
		out.Documents = n
	}
	if s.status != nil {
		snap := s.status.Snapshot()
		out.Consumer = &snap
	}
	return out
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolSearchMessages, Description: tools[0].Description}, s.mcpSearchMessagesHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolListMessages, Description: tools[1].Description}, s.mcpListMessagesHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolIndexStatus, Description: tools[2].Description}, s.mcpIndexStatusHandler)
	s.logger.Debug("mcp_tools_registered", slog.Int("count", len(tools)))
}

func (s *Server) mcpSearchMessagesHandler(ctx context.Context, _ *mcp.CallToolRequest, in SearchMessagesInput) (
	*mcp.CallToolResult,
	*MessagesOutput,
	error,
) {
	out, err := s.searchMessages(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	return nil, out, nil
}

func (s *Server) mcpListMessagesHandler(ctx context.Context, _ *mcp.CallToolRequest, in ListMessagesInput) (
	*mcp.CallToolResult,
	*MessagesOutput,
	error,
) {
	out, err := s.listMessages(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	return nil, out, nil
}

func (s *Server) mcpIndexStatusHandler(ctx context.Context, _ *mcp.CallToolRequest, _ IndexStatusInput) (
	*mcp.CallToolResult,
	*IndexStatusOutput,
	error,
) {
	return nil, s.indexStatus(ctx), nil
}

// Serve runs the server on transport until the client disconnects or ctx
// is done. Only stdio is supported.
func (s *Server) Serve(ctx context.Context, transport string) error {
	if transport != "stdio" {
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
	s.logger.Info("mcp_server_started", slog.String("transport", transport))
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("mcp_server_failed", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("mcp_server_stopped")
	return nil
}

// generateRequestID creates a short unique request ID for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
