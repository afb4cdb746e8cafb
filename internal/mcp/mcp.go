// Package mcp implements the Model Context Protocol server for Kokoro.
//
// It exposes persona state, conversation history, memory recall, and the
// reflection cycle as MCP tools and resources, so MCP-compatible agents can
// inspect and drive a persona without speaking the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/storage"
)

// Reflector runs one reflection cycle. *reflection.Cycle satisfies it.
type Reflector interface {
	Run(ctx context.Context, req model.ReflectRequest) model.ReflectResponse
}

// Recaller retrieves memory texts for an identity. *search.Bank satisfies it.
type Recaller interface {
	Recall(ctx context.Context, identity, query string, limit int) ([]string, error)
}

// Server wraps the MCP server with Kokoro's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     storage.Store
	cycle     Reflector
	memories  Recaller // may be nil: recall tool then reports unavailable
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(store storage.Store, cycle Reflector, memories Recaller, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:    store,
		cycle:    cycle,
		memories: memories,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kokoro",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// kokoro://personas/{identity}: durable persona snapshot.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"kokoro://personas/{identity}",
			"Persona Snapshot",
			mcplib.WithTemplateDescription("Current trait vector, meta summary, and growth weight for a persona"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handlePersonaResource,
	)
}

func (s *Server) registerTools() {
	// kokoro_persona_state: read the durable snapshot.
	s.mcpServer.AddTool(
		mcplib.NewTool("kokoro_persona_state",
			mcplib.WithDescription("Read a persona's current trait vector, long-term summary, and growth weight"),
			mcplib.WithString("identity", mcplib.Description("Persona identity"), mcplib.Required()),
		),
		s.handlePersonaState,
	)

	// kokoro_recent_turns: conversation history.
	s.mcpServer.AddTool(
		mcplib.NewTool("kokoro_recent_turns",
			mcplib.WithDescription("List a persona's most recent finalized turns, newest first"),
			mcplib.WithString("identity", mcplib.Description("Persona identity"), mcplib.Required()),
			mcplib.WithNumber("limit", mcplib.Description("Maximum turns to return")),
		),
		s.handleRecentTurns,
	)

	// kokoro_reflect: run one reflection cycle over a supplied dialogue.
	s.mcpServer.AddTool(
		mcplib.NewTool("kokoro_reflect",
			mcplib.WithDescription("Run one reflection cycle: stabilize traits, update the summary, and return the adjusted reflection"),
			mcplib.WithString("identity", mcplib.Description("Persona identity"), mcplib.Required()),
			mcplib.WithString("dialogue", mcplib.Description("Dialogue as JSON array of {role, content} messages"), mcplib.Required()),
		),
		s.handleReflect,
	)

	// kokoro_recall: similarity search over long-term memories.
	s.mcpServer.AddTool(
		mcplib.NewTool("kokoro_recall",
			mcplib.WithDescription("Recall a persona's long-term memories most similar to a query"),
			mcplib.WithString("identity", mcplib.Description("Persona identity"), mcplib.Required()),
			mcplib.WithString("query", mcplib.Description("Natural language query"), mcplib.Required()),
			mcplib.WithNumber("limit", mcplib.Description("Maximum memories to return")),
		),
		s.handleRecall,
	)
}

func (s *Server) handlePersonaResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	identity := strings.TrimPrefix(uri, "kokoro://personas/")
	if identity == "" || identity == uri {
		return nil, fmt.Errorf("mcp: invalid persona URI: %s", uri)
	}

	snap, err := s.store.LoadPersona(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("mcp: load persona: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal persona: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handlePersonaState(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	identity := request.GetString("identity", "")
	if identity == "" {
		return errorResult("identity is required"), nil
	}

	snap, err := s.store.LoadPersona(ctx, identity)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("persona not found: " + identity), nil
		}
		return errorResult(fmt.Sprintf("load persona: %v", err)), nil
	}

	return jsonResult(snap)
}

func (s *Server) handleRecentTurns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	identity := request.GetString("identity", "")
	if identity == "" {
		return errorResult("identity is required"), nil
	}
	limit := request.GetInt("limit", 20)

	turns, err := s.store.RecentTurns(ctx, identity, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("recent turns: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"identity": identity,
		"turns":    turns,
		"total":    len(turns),
	})
}

func (s *Server) handleReflect(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	identity := request.GetString("identity", "")
	rawDialogue := request.GetString("dialogue", "")
	if identity == "" || rawDialogue == "" {
		return errorResult("identity and dialogue are required"), nil
	}

	var dialogue []model.ChatMessage
	if err := json.Unmarshal([]byte(rawDialogue), &dialogue); err != nil {
		return errorResult(fmt.Sprintf("dialogue must be a JSON array of {role, content}: %v", err)), nil
	}

	req := model.ReflectRequest{Identity: identity, Dialogue: dialogue}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	resp := s.cycle.Run(ctx, req)
	return jsonResult(resp)
}

func (s *Server) handleRecall(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.memories == nil {
		return errorResult("memory recall is not configured"), nil
	}

	identity := request.GetString("identity", "")
	query := request.GetString("query", "")
	if identity == "" || query == "" {
		return errorResult("identity and query are required"), nil
	}
	limit := request.GetInt("limit", 5)

	texts, err := s.memories.Recall(ctx, identity, query, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("recall: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"identity": identity,
		"memories": texts,
		"total":    len(texts),
	})
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
