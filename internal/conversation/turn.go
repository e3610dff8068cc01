// Package conversation holds the turn and session data model shared by the
// store, the window manager, and the capability providers.
package conversation

import (
	"encoding/json"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolCall   BlockType = "tool_call"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
)

// ContentBlock is one unit of turn content. Exactly the fields for its type
// are set: Text for text blocks, ToolCallID/ToolName/ToolInput for calls,
// ToolCallID/ToolOutput for results, ImageRef for image references.
type ContentBlock struct {
	Type       BlockType       `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolInput  json.RawMessage `json:"toolInput,omitempty"`
	ToolOutput string          `json:"toolOutput,omitempty"`
	ImageRef   string          `json:"imageRef,omitempty"`
}

// Turn is one message-equivalent unit in a conversation. Seq is assigned by
// the store on append and is unique per session.
type Turn struct {
	Role      Role           `json:"role"`
	Blocks    []ContentBlock `json:"blocks"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       int64          `json:"seq"`
}

// Session is the per-user ledger entry. One session per user identity; all
// conversations for a user share it.
type Session struct {
	ID           string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	TurnCount    int       `json:"turnCount"`
}

// NewTurn builds a turn from prepared blocks.
func NewTurn(role Role, blocks []ContentBlock) Turn {
	return Turn{Role: role, Blocks: blocks, Timestamp: time.Now().UTC()}
}

// NewTextTurn builds a single-text-block turn.
func NewTextTurn(role Role, text string) Turn {
	return Turn{
		Role:      role,
		Blocks:    []ContentBlock{{Type: BlockText, Text: text}},
		Timestamp: time.Now().UTC(),
	}
}

// NewUserTurn builds a user turn from text plus optional image references.
func NewUserTurn(text string, imageRefs []string) Turn {
	blocks := make([]ContentBlock, 0, 1+len(imageRefs))
	if strings.TrimSpace(text) != "" {
		blocks = append(blocks, ContentBlock{Type: BlockText, Text: text})
	}
	for _, ref := range imageRefs {
		if ref = strings.TrimSpace(ref); ref != "" {
			blocks = append(blocks, ContentBlock{Type: BlockImage, ImageRef: ref})
		}
	}
	return Turn{Role: RoleUser, Blocks: blocks, Timestamp: time.Now().UTC()}
}

// ToolCallIDs returns the IDs of all tool-call blocks in the turn.
func (t Turn) ToolCallIDs() []string {
	var ids []string
	for _, b := range t.Blocks {
		if b.Type == BlockToolCall {
			ids = append(ids, b.ToolCallID)
		}
	}
	return ids
}

// ToolResultIDs returns the call IDs answered by tool-result blocks in the turn.
func (t Turn) ToolResultIDs() []string {
	var ids []string
	for _, b := range t.Blocks {
		if b.Type == BlockToolResult {
			ids = append(ids, b.ToolCallID)
		}
	}
	return ids
}

// HasToolCalls reports whether the turn contains any tool-call block.
func (t Turn) HasToolCalls() bool {
	return len(t.ToolCallIDs()) > 0
}

// Text concatenates the turn's text blocks.
func (t Turn) Text() string {
	var sb strings.Builder
	for _, b := range t.Blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// UnmatchedCalls walks turns in order and returns the tool-call IDs that
// never receive a matching tool-result within the sequence.
func UnmatchedCalls(turns []Turn) []string {
	open := make(map[string]struct{})
	order := make([]string, 0)
	for _, t := range turns {
		for _, id := range t.ToolCallIDs() {
			if _, ok := open[id]; !ok {
				open[id] = struct{}{}
				order = append(order, id)
			}
		}
		for _, id := range t.ToolResultIDs() {
			delete(open, id)
		}
	}
	out := make([]string, 0, len(open))
	for _, id := range order {
		if _, ok := open[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// OrphanResults walks turns in order and returns the call IDs of tool-result
// blocks whose matching tool-call does not appear earlier in the sequence.
func OrphanResults(turns []Turn) []string {
	seen := make(map[string]struct{})
	var orphans []string
	for _, t := range turns {
		for _, id := range t.ToolCallIDs() {
			seen[id] = struct{}{}
		}
		for _, id := range t.ToolResultIDs() {
			if _, ok := seen[id]; !ok {
				orphans = append(orphans, id)
			}
		}
	}
	return orphans
}
