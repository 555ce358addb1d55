package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/vaultchat/internal/ingest"
	"github.com/kalambet/vaultchat/internal/profile"
	"github.com/kalambet/vaultchat/internal/retrieval"
	"github.com/kalambet/vaultchat/internal/storage"
	"github.com/kalambet/vaultchat/internal/vault"
)

const mcpSessionID = "mcp"

// MCPSearcher ranks memories without revealing their content.
type MCPSearcher interface {
	Search(ctx context.Context, userID, query string, topK int, threshold float32) retrieval.SearchResult
}

// CacheClearer wipes the plaintext cache.
type CacheClearer interface {
	Clear()
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Chat      TurnHandler
	Turns     TurnStore
	Extractor ContentExtractor
	Writer    MemoryWriter
	Search    MCPSearcher
	Cache     CacheClearer
	Payments  ChallengeSource
	Profile   *profile.Manager
	User      func() string
	Threshold float32
}

// NewMCPServer creates an MCP server with all vaultchat tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"vaultchat",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("vaultchat: private chat assistant backed by the user's encrypted memories."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a message to the assistant. Relevant memories are unlocked and used as context."),
			mcp.WithString("message", mcp.Description("The user's message"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Conversation to continue (default \"mcp\")")),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("add_memory",
			mcp.WithDescription("Encrypt and store a memory for the connected wallet."),
			mcp.WithString("text", mcp.Description("Text to remember")),
			mcp.WithString("url", mcp.Description("Web page to remember instead of text")),
		),
		mcpAddMemory(deps),
	)

	s.AddTool(
		mcp.NewTool("recall_ids",
			mcp.WithDescription("Find memories related to a query. Returns IDs and scores only; content stays encrypted."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpRecallIDs(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_memory_cache",
			mcp.WithDescription("Forget every decrypted memory held in memory."),
		),
		mcpClearCache(deps),
	)

	s.AddTool(
		mcp.NewTool("pending_payment",
			mcp.WithDescription("Take the outstanding payment challenge, if any."),
		),
		mcpPendingPayment(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"user://persona",
			"User Persona",
			mcp.WithResourceDescription("Onboarding answers, preferences and personality traits as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePersona(deps),
	)

	return s
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil || message == "" {
			return mcpError("message is required"), nil
		}
		sessionID := req.GetString("session_id", mcpSessionID)

		saveTurn(ctx, deps.Turns, storage.ConversationTurn{SessionID: sessionID, Text: message, IsUser: true})
		resp := deps.Chat.HandleTurn(ctx, message, sessionID)
		saveTurn(ctx, deps.Turns, storage.ConversationTurn{
			SessionID: sessionID,
			Text:      resp.Answer,
			IsError:   resp.IsError || resp.PaymentRequired,
		})

		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		result := mcpText(string(b))
		result.IsError = resp.IsError
		return result, nil
	}
}

func mcpAddMemory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in := ingest.Input{Kind: ingest.KindText, Text: req.GetString("text", "")}
		if url := req.GetString("url", ""); url != "" {
			in = ingest.Input{Kind: ingest.KindURL, URL: url}
		}

		text, err := deps.Extractor.Extract(ctx, in)
		if err != nil {
			return mcpError(fmt.Sprintf("no content to store: %v", err)), nil
		}

		meta := map[string]string{"source": "mcp", "kind": in.Kind}
		if in.URL != "" {
			meta["url"] = in.URL
		}
		rec, err := deps.Writer.Write(ctx, text, meta)
		if errors.Is(err, vault.ErrLocked) {
			return mcpError("connect a wallet before adding memories"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to store memory: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Stored memory %s", rec.ID)), nil
	}
}

func mcpRecallIDs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		res := deps.Search.Search(ctx, deps.User(), query, limit, deps.Threshold)
		switch res.Kind {
		case retrieval.Error:
			return mcpError(fmt.Sprintf("recall failed: %s", res.Reason)), nil
		case retrieval.Empty:
			return mcpText("[]"), nil
		}

		type hit struct {
			ID    string  `json:"id"`
			Score float32 `json:"score"`
		}
		hits := make([]hit, len(res.Hits))
		for i, h := range res.Hits {
			hits[i] = hit{ID: h.MemoryID, Score: h.Score}
		}
		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpClearCache(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		deps.Cache.Clear()
		return mcpText("Memory cache cleared"), nil
	}
}

func mcpPendingPayment(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		c, ok := deps.Payments.Consume()
		if !ok {
			return mcpText("No pending payment"), nil
		}
		b, err := json.Marshal(c)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal challenge: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourcePersona(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		p, err := deps.Profile.GetProfile()
		if err != nil {
			return nil, fmt.Errorf("failed to get persona: %w", err)
		}

		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal persona: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
