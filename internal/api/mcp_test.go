package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/vaultchat/internal/chat"
	"github.com/kalambet/vaultchat/internal/ingest"
	"github.com/kalambet/vaultchat/internal/memcache"
	"github.com/kalambet/vaultchat/internal/payment"
	"github.com/kalambet/vaultchat/internal/profile"
	"github.com/kalambet/vaultchat/internal/retrieval"
	"github.com/kalambet/vaultchat/internal/storage"
	"github.com/kalambet/vaultchat/internal/vault"
)

// --- mocks ---

type mockMCPSearcher struct {
	result retrieval.SearchResult
	user   string
}

func (m *mockMCPSearcher) Search(_ context.Context, userID, _ string, _ int, _ float32) retrieval.SearchResult {
	m.user = userID
	return m.result
}

// --- helpers ---

type mcpFixture struct {
	deps     MCPDeps
	store    *storage.Store
	turns    *mockTurnHandler
	cache    *memcache.Cache
	payments *payment.Channel
	search   *mockMCPSearcher
}

func newTestMCPDeps(t *testing.T) *mcpFixture {
	t.Helper()
	store := openTestStore(t)
	holder := vault.NewKeyHolder()
	if err := holder.Connect(testWallet, testKey); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	f := &mcpFixture{
		store:    store,
		turns:    &mockTurnHandler{resp: chat.Response{Answer: "Sure.", RewardedAmount: 10}},
		cache:    memcache.New(),
		payments: payment.NewChannel(),
		search:   &mockMCPSearcher{},
	}
	f.deps = MCPDeps{
		Chat:      f.turns,
		Turns:     store,
		Extractor: ingest.NewExtractor(nil),
		Writer:    ingest.NewWriter(store, holder),
		Search:    f.search,
		Cache:     f.cache,
		Payments:  f.payments,
		Profile:   profile.NewManager(store),
		User:      holder.Wallet,
		Threshold: 0.5,
	}
	return f
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_Chat(t *testing.T) {
	f := newTestMCPDeps(t)
	handler := mcpChat(f.deps)

	result, err := handler(context.Background(), makeCallToolRequest("chat", map[string]interface{}{
		"message": "what's on my calendar?",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var resp chat.Response
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.Answer != "Sure." {
		t.Errorf("answer = %q", resp.Answer)
	}
	if f.turns.sessions[0] != mcpSessionID {
		t.Errorf("session = %q, want default %q", f.turns.sessions[0], mcpSessionID)
	}

	turns, _ := f.store.RecentTurns(context.Background(), mcpSessionID, 10)
	if len(turns) != 2 {
		t.Errorf("stored %d turns, want 2", len(turns))
	}
}

func TestMCPTool_Chat_ErrorResponse(t *testing.T) {
	f := newTestMCPDeps(t)
	f.turns.resp = chat.Response{Answer: "Sorry, I couldn't answer that: boom", IsError: true}

	result, _ := mcpChat(f.deps)(context.Background(), makeCallToolRequest("chat", map[string]interface{}{
		"message":    "hi",
		"session_id": "s9",
	}))
	if !result.IsError {
		t.Error("error response should mark the tool result as an error")
	}
}

func TestMCPTool_Chat_MissingMessage(t *testing.T) {
	f := newTestMCPDeps(t)
	result, _ := mcpChat(f.deps)(context.Background(), makeCallToolRequest("chat", map[string]interface{}{}))
	if !result.IsError {
		t.Error("expected error for missing message")
	}
}

func TestMCPTool_AddMemory(t *testing.T) {
	f := newTestMCPDeps(t)

	result, err := mcpAddMemory(f.deps)(context.Background(), makeCallToolRequest("add_memory", map[string]interface{}{
		"text": "I prefer window seats on flights",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if !strings.HasPrefix(toolText(t, result), "Stored memory ") {
		t.Errorf("text = %q", toolText(t, result))
	}

	recs, err := f.store.ListMemories(context.Background(), testWallet, 10)
	if err != nil {
		t.Fatalf("ListMemories: %v", err)
	}
	if len(recs) != 1 || recs[0].Metadata["source"] != "mcp" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestMCPTool_AddMemory_Empty(t *testing.T) {
	f := newTestMCPDeps(t)
	result, _ := mcpAddMemory(f.deps)(context.Background(), makeCallToolRequest("add_memory", map[string]interface{}{}))
	if !result.IsError {
		t.Error("expected error for empty memory")
	}
}

func TestMCPTool_AddMemory_Locked(t *testing.T) {
	f := newTestMCPDeps(t)
	f.deps.Writer = ingest.NewWriter(f.store, vault.NewKeyHolder())

	result, _ := mcpAddMemory(f.deps)(context.Background(), makeCallToolRequest("add_memory", map[string]interface{}{
		"text": "secret",
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "connect a wallet") {
		t.Errorf("result = %+v", result)
	}
}

func TestMCPTool_RecallIDs(t *testing.T) {
	f := newTestMCPDeps(t)
	f.search.result = retrieval.SearchResult{Kind: retrieval.Success, Hits: []retrieval.SearchHit{
		{MemoryID: "m1", Score: 0.91},
		{MemoryID: "m2", Score: 0.77},
	}}

	result, _ := mcpRecallIDs(f.deps)(context.Background(), makeCallToolRequest("recall_ids", map[string]interface{}{
		"query": "flights",
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var hits []struct {
		ID    string  `json:"id"`
		Score float32 `json:"score"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &hits); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(hits) != 2 || hits[0].ID != "m1" {
		t.Errorf("hits = %+v", hits)
	}
	if f.search.user != testWallet {
		t.Errorf("searched as %q, want %q", f.search.user, testWallet)
	}
}

func TestMCPTool_RecallIDs_EmptyAndError(t *testing.T) {
	f := newTestMCPDeps(t)
	req := makeCallToolRequest("recall_ids", map[string]interface{}{"query": "x"})

	f.search.result = retrieval.SearchResult{Kind: retrieval.Empty, Reason: "no memories above threshold"}
	result, _ := mcpRecallIDs(f.deps)(context.Background(), req)
	if result.IsError || toolText(t, result) != "[]" {
		t.Errorf("empty result = %q", toolText(t, result))
	}

	f.search.result = retrieval.SearchResult{Kind: retrieval.Error, Reason: "index unavailable"}
	result, _ = mcpRecallIDs(f.deps)(context.Background(), req)
	if !result.IsError {
		t.Error("expected error result")
	}
}

func TestMCPTool_ClearMemoryCache(t *testing.T) {
	f := newTestMCPDeps(t)
	f.cache.Put("m1", "a")
	f.cache.Put("m2", "b")

	result, _ := mcpClearCache(f.deps)(context.Background(), makeCallToolRequest("clear_memory_cache", nil))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if f.cache.Len() != 0 {
		t.Errorf("cache len = %d, want 0", f.cache.Len())
	}
}

func TestMCPTool_PendingPayment(t *testing.T) {
	f := newTestMCPDeps(t)
	handler := mcpPendingPayment(f.deps)

	result, _ := handler(context.Background(), makeCallToolRequest("pending_payment", nil))
	if toolText(t, result) != "No pending payment" {
		t.Errorf("text = %q", toolText(t, result))
	}

	c := payment.NewChallenge([]byte(`{"amount":"1"}`))
	f.payments.Publish(c)

	result, _ = handler(context.Background(), makeCallToolRequest("pending_payment", nil))
	var got payment.Challenge
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.ID != c.ID {
		t.Errorf("challenge = %q, want %q", got.ID, c.ID)
	}
	if _, ok := f.payments.Pending(); ok {
		t.Error("challenge should be consumed")
	}
}

func TestMCPResource_Persona(t *testing.T) {
	f := newTestMCPDeps(t)
	if err := f.deps.Profile.SetField(profile.KeyTone, "direct"); err != nil {
		t.Fatalf("SetField: %v", err)
	}

	contents, err := mcpResourcePersona(f.deps)(context.Background(), makeReadResourceRequest("user://persona"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if !strings.Contains(tc.Text, `"tone":"direct"`) {
		t.Errorf("persona = %s", tc.Text)
	}
}

func TestNewMCPServer(t *testing.T) {
	f := newTestMCPDeps(t)
	if s := NewMCPServer(f.deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
