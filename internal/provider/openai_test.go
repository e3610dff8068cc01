package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hearthd/hearth/internal/capability"
	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/conversation"
	"github.com/hearthd/hearth/internal/fault"
)

func newTestGenerator(t *testing.T, baseURL string) *Generator {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "test-key"
	cfg.Provider.BaseURL = baseURL
	g, err := NewGenerator(cfg)
	if err != nil {
		t.Fatalf("NewGenerator error: %v", err)
	}
	return g
}

func TestGenerateTextReply(t *testing.T) {
	var gotReq map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "cmpl-1",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "The kitchen light is on."},
			}},
		})
	}))
	defer server.Close()

	g := newTestGenerator(t, server.URL)
	turn, err := g.Generate(context.Background(), capability.GenerateRequest{
		SystemPrompt:  "You are a home assistant.",
		MemoryContext: "- user prefers warm lighting",
		Turns: []conversation.Turn{
			conversation.NewTextTurn(conversation.RoleUser, "turn on the kitchen light"),
		},
	})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if turn.Role != conversation.RoleAssistant || turn.Text() != "The kitchen light is on." {
		t.Fatalf("unexpected turn: %+v", turn)
	}

	messages, _ := gotReq["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("sent %d messages, want system + user", len(messages))
	}
	first, _ := messages[0].(map[string]any)
	if first["role"] != "system" {
		t.Errorf("first message role = %v", first["role"])
	}
	if content, _ := first["content"].(string); !strings.Contains(content, "warm lighting") {
		t.Errorf("memory context missing from system message: %q", content)
	}
}

func TestGenerateToolCallReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "cmpl-2",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "tool_calls",
				"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "light_control",
							"arguments": `{"room":"kitchen","state":"on"}`,
						},
					}},
				},
			}},
		})
	}))
	defer server.Close()

	g := newTestGenerator(t, server.URL)
	turn, err := g.Generate(context.Background(), capability.GenerateRequest{
		Turns: []conversation.Turn{conversation.NewTextTurn(conversation.RoleUser, "lights on")},
		Tools: []capability.ToolSpec{{Name: "light_control", Description: "switch lights"}},
	})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	ids := turn.ToolCallIDs()
	if len(ids) != 1 || ids[0] != "call_1" {
		t.Fatalf("tool calls = %v", ids)
	}
	if turn.Blocks[0].ToolName != "light_control" {
		t.Fatalf("tool name = %q", turn.Blocks[0].ToolName)
	}
}

func TestGenerateMapsSequenceRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"type":    "invalid_request_error",
				"message": "toolResult blocks and text cannot be provided in the same turn",
			},
		})
	}))
	defer server.Close()

	g := newTestGenerator(t, server.URL)
	_, err := g.Generate(context.Background(), capability.GenerateRequest{
		Turns: []conversation.Turn{conversation.NewTextTurn(conversation.RoleUser, "hi")},
	})
	if !fault.IsStructural(err) {
		t.Fatalf("error = %v, want StructuralViolation", err)
	}
}

func TestGenerateOtherProviderErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"type": "invalid_request_error", "message": "bad api key"},
		})
	}))
	defer server.Close()

	g := newTestGenerator(t, server.URL)
	_, err := g.Generate(context.Background(), capability.GenerateRequest{
		Turns: []conversation.Turn{conversation.NewTextTurn(conversation.RoleUser, "hi")},
	})
	if !fault.IsCapability(err) {
		t.Fatalf("error = %v, want CapabilityError", err)
	}
	if fault.IsStructural(err) {
		t.Fatal("auth failure must not look structural")
	}
}

func TestBuildMessagesRoundTripsToolExchange(t *testing.T) {
	turns := []conversation.Turn{
		conversation.NewTextTurn(conversation.RoleUser, "turn on the light"),
		conversation.NewTurn(conversation.RoleAssistant, []conversation.ContentBlock{
			{Type: conversation.BlockToolCall, ToolCallID: "c1", ToolName: "light_control", ToolInput: json.RawMessage(`{"room":"kitchen"}`)},
		}),
		conversation.NewTurn(conversation.RoleTool, []conversation.ContentBlock{
			{Type: conversation.BlockToolResult, ToolCallID: "c1", ToolOutput: "ok"},
		}),
	}

	messages, err := buildMessages(capability.GenerateRequest{Turns: turns})
	if err != nil {
		t.Fatalf("buildMessages error: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	assistant := messages[1].OfAssistant
	if assistant == nil || len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "c1" {
		t.Fatalf("assistant tool call not carried: %+v", messages[1])
	}
	tool := messages[2].OfTool
	if tool == nil || tool.ToolCallID != "c1" {
		t.Fatalf("tool result not carried: %+v", messages[2])
	}
}
