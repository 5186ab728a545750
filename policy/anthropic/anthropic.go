// Package anthropic provides an agent decision policy backed by the
// Anthropic Messages API with tool use.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/taskmesh/taskmesh/agent"
	"github.com/taskmesh/taskmesh/core"
)

// handoffTool is the synthetic tool expressing a routing decision; see the
// openai policy for the same convention.
const handoffTool = "handoff_to_agent"

// Options configure the Anthropic policy (model id, temperature, max tokens,
// API key).
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Policy implements agent.Policy on top of the Anthropic client.
type Policy struct {
	client *anthropic.Client
	opts   Options
}

var _ agent.Policy = (*Policy)(nil)

// NewPolicy creates a policy using the official client. Without an explicit
// APIKey option the client reads ANTHROPIC_API_KEY from the environment.
func NewPolicy(optFns ...func(o *Options)) *Policy {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Policy{client: &client, opts: opts}
}

// NewPolicyFromClient creates a policy from an existing client.
func NewPolicyFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Policy {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Policy{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// Predict asks the model for the next decision: a textual reply, one or more
// capability calls, or a handoff.
func (p *Policy) Predict(ctx context.Context, req agent.Request) (agent.Decision, error) {
	params := anthropic.MessageNewParams{
		Model:       p.opts.Model,
		Messages:    buildMessages(req),
		MaxTokens:   p.opts.MaxTokens,
		Temperature: anthropic.Float(p.opts.Temperature),
	}
	if req.Persona != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Persona}}
	}
	if tools := buildTools(req); len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return agent.Decision{}, fmt.Errorf("anthropic api error: %w", err)
	}

	return decodeResponse(resp)
}

// buildMessages converts the history and current message into Anthropic
// message params. A tool-result history entry becomes an assistant tool-use
// block paired with a user tool-result block, as the API requires.
func buildMessages(req agent.Request) []anthropic.MessageParam {
	var messages []anthropic.MessageParam

	for _, m := range req.History {
		switch m.Role {
		case core.RoleAgent:
			if m.Content != "" {
				messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			}
		case core.RoleToolResult:
			if m.ToolCall == nil {
				continue
			}
			messages = append(messages,
				anthropic.NewAssistantMessage(anthropic.NewToolUseBlock(
					m.ToolCall.ID,
					m.ToolCall.Arguments,
					m.ToolCall.Capability,
				)),
				anthropic.NewUserMessage(anthropic.NewToolResultBlock(
					m.ToolCall.ID,
					m.Content,
					m.ToolCall.Error != "",
				)),
			)
		case core.RoleSystem:
			// System text is carried via params.System; inline entries fold
			// into the user turn to preserve ordering.
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		default:
			if m.Content != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}
	}

	return append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Message)))
}

// buildTools converts capability descriptors into Anthropic tool params,
// plus the synthetic handoff tool when targets are declared.
func buildTools(req agent.Request) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(req.Capabilities)+1)
	for _, desc := range req.Capabilities {
		tools = append(tools, anthropic.ToolUnionParamOfTool(toInputSchema(desc.InputSchema), desc.ID))
	}
	if len(req.Handoffs) > 0 {
		schema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
			Properties: map[string]any{
				"agent_id": map[string]any{"type": "string", "enum": req.Handoffs},
			},
			Required: []string{"agent_id"},
		}
		tools = append(tools, anthropic.ToolUnionParamOfTool(schema, handoffTool))
	}
	return tools
}

func toInputSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	out := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
	if schema == nil {
		return out
	}
	if properties, exists := schema["properties"]; exists {
		out.Properties = properties
	}
	if required, exists := schema["required"]; exists {
		switch req := required.(type) {
		case []string:
			out.Required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					out.Required = append(out.Required, s)
				}
			}
		}
	}
	return out
}

func decodeResponse(resp *anthropic.Message) (agent.Decision, error) {
	var decision agent.Decision

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			textBlock := block.AsText()
			if textBlock.Text != "" {
				decision.Reply += textBlock.Text
			}
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := map[string]any{}
			if toolBlock.Input != nil {
				if decoded, ok := decodeInput(toolBlock.Input); ok {
					args = decoded
				}
			}

			if toolBlock.Name == handoffTool {
				target, _ := args["agent_id"].(string)
				if target == "" {
					return agent.Decision{}, fmt.Errorf("handoff call missing agent_id")
				}
				return agent.Decision{Handoff: target}, nil
			}

			decision.Calls = append(decision.Calls, agent.CapabilityCall{
				Capability: toolBlock.Name,
				Arguments:  args,
			})
		}
	}

	return decision, nil
}

// decodeInput normalizes the SDK's tool input into an argument map: the SDK
// may surface it as a decoded map or as raw JSON depending on version.
func decodeInput(input any) (map[string]any, bool) {
	if m, ok := input.(map[string]any); ok {
		return m, true
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}
