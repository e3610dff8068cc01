package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/hearthd/hearth/internal/capability"
	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/conversation"
	"github.com/hearthd/hearth/internal/fault"
)

// Generator produces assistant turns with non-streaming chat completions.
type Generator struct {
	client      openai.Client
	model       string
	maxTokens   int
	temperature float64
}

// NewGenerator builds the generation client from config.
func NewGenerator(cfg *config.Config) (*Generator, error) {
	apiKey := strings.TrimSpace(cfg.Provider.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("generator: api key required")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.Provider.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	model := strings.TrimSpace(cfg.Agent.Model)
	if model == "" {
		model = config.DefaultModel
	}
	maxTokens := cfg.Agent.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}

	return &Generator{
		client:      openai.NewClient(opts...),
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Agent.Temperature,
	}, nil
}

// Generate sends the window to the provider and converts the reply back
// into a turn. A provider rejection of the message sequence surfaces as a
// StructuralViolation so the session can be recovered.
func (g *Generator) Generate(ctx context.Context, req capability.GenerateRequest) (conversation.Turn, error) {
	messages, err := buildMessages(req)
	if err != nil {
		return conversation.Turn{}, fmt.Errorf("generate: %w", err)
	}

	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(g.model),
		MaxCompletionTokens: openai.Int(int64(g.maxTokens)),
		Messages:            messages,
	}
	if g.temperature > 0 {
		params.Temperature = openai.Float(g.temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	completion, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if violation := asStructuralRejection(err); violation != nil {
			return conversation.Turn{}, violation
		}
		return conversation.Turn{}, &fault.CapabilityError{Capability: "generation", Err: err}
	}
	if len(completion.Choices) == 0 {
		return conversation.Turn{}, &fault.CapabilityError{Capability: "generation", Err: fmt.Errorf("empty choices")}
	}

	return convertReply(completion.Choices[0].Message), nil
}

func buildMessages(req capability.GenerateRequest) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Turns)+1)

	system := strings.TrimSpace(req.SystemPrompt)
	if memory := strings.TrimSpace(req.MemoryContext); memory != "" {
		system = strings.TrimSpace(system + "\n\n# Known facts about this user\n" + memory)
	}
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}

	for _, turn := range req.Turns {
		switch turn.Role {
		case conversation.RoleUser:
			msg, err := buildUserMessage(turn)
			if err != nil {
				return nil, err
			}
			messages = append(messages, msg)
		case conversation.RoleAssistant:
			messages = append(messages, buildAssistantMessage(turn))
		case conversation.RoleTool:
			for _, block := range turn.Blocks {
				if block.Type != conversation.BlockToolResult {
					continue
				}
				messages = append(messages, openai.ToolMessage(block.ToolOutput, block.ToolCallID))
			}
		default:
			return nil, fmt.Errorf("unsupported role %q at seq %d", turn.Role, turn.Seq)
		}
	}
	return messages, nil
}

func buildUserMessage(turn conversation.Turn) (openai.ChatCompletionMessageParamUnion, error) {
	hasImage := false
	for _, block := range turn.Blocks {
		if block.Type == conversation.BlockImage {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return openai.UserMessage(turn.Text()), nil
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(turn.Blocks))
	for _, block := range turn.Blocks {
		switch block.Type {
		case conversation.BlockText:
			parts = append(parts, openai.TextContentPart(block.Text))
		case conversation.BlockImage:
			if strings.TrimSpace(block.ImageRef) == "" {
				return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("image block without reference at seq %d", turn.Seq)
			}
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: block.ImageRef,
			}))
		}
	}
	return openai.UserMessage(parts), nil
}

func buildAssistantMessage(turn conversation.Turn) openai.ChatCompletionMessageParamUnion {
	assistant := openai.ChatCompletionAssistantMessageParam{}

	if text := turn.Text(); strings.TrimSpace(text) != "" {
		assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(text),
		}
	}

	var calls []openai.ChatCompletionMessageToolCallParam
	for _, block := range turn.Blocks {
		if block.Type != conversation.BlockToolCall {
			continue
		}
		args := string(block.ToolInput)
		if args == "" {
			args = "{}"
		}
		calls = append(calls, openai.ChatCompletionMessageToolCallParam{
			ID: block.ToolCallID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      block.ToolName,
				Arguments: args,
			},
		})
	}
	if len(calls) > 0 {
		assistant.ToolCalls = calls
	}

	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func buildTools(specs []capability.ToolSpec) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			continue
		}

		params := make(shared.FunctionParameters, len(spec.Parameters)+1)
		for k, v := range spec.Parameters {
			params[k] = v
		}
		if _, ok := params["type"]; !ok {
			params["type"] = "object"
		}

		tool := openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:       name,
				Parameters: params,
			},
		}
		if desc := strings.TrimSpace(spec.Description); desc != "" {
			tool.Function.Description = openai.Opt(desc)
		}
		tools = append(tools, tool)
	}
	return tools
}

func convertReply(msg openai.ChatCompletionMessage) conversation.Turn {
	var blocks []conversation.ContentBlock
	if strings.TrimSpace(msg.Content) != "" {
		blocks = append(blocks, conversation.ContentBlock{
			Type: conversation.BlockText,
			Text: msg.Content,
		})
	}
	for _, tc := range msg.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		blocks = append(blocks, conversation.ContentBlock{
			Type:       conversation.BlockToolCall,
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
			ToolInput:  json.RawMessage(args),
		})
	}
	return conversation.NewTurn(conversation.RoleAssistant, blocks)
}

// Rejection phrases providers use when the message sequence itself is
// malformed (split tool pairs, bad role order). These mean the stored
// session is the problem, not this request.
var structuralRejectionMarkers = []string{
	"cannot be provided in the same turn",
	"tool_call_id",
	"tool call",
	"preceding tool_calls",
	"invalid sequence of messages",
	"messages with role",
}

func asStructuralRejection(err error) *fault.StructuralViolation {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return nil
	}
	if apiErr.StatusCode != http.StatusBadRequest && apiErr.StatusCode != http.StatusUnprocessableEntity {
		return nil
	}

	message := strings.ToLower(apiErr.Message)
	for _, marker := range structuralRejectionMarkers {
		if strings.Contains(message, marker) {
			return &fault.StructuralViolation{Reason: fmt.Sprintf("provider rejected message sequence: %s", apiErr.Message)}
		}
	}
	return nil
}
