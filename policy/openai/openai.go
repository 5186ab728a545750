// Package openai provides an agent decision policy backed by the OpenAI Chat
// Completions API with function/tool calling. It adapts the normalized agent
// request into the SDK's message format and maps tool calls back onto
// capability invocations.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/taskmesh/taskmesh/agent"
	"github.com/taskmesh/taskmesh/core"
)

// handoffTool is the synthetic tool exposed when the agent declares handoff
// targets; calling it expresses a routing decision, not a capability call.
const handoffTool = "handoff_to_agent"

// Options configure the OpenAI policy. Fields mirror a minimal subset of
// Chat Completion parameters; extend via functional options without breaking
// callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Policy implements agent.Policy on top of the OpenAI client.
type Policy struct {
	client *openai.Client
	opts   Options
}

var _ agent.Policy = (*Policy)(nil)

// NewPolicy creates a policy using the default client, which reads
// OPENAI_API_KEY from the environment.
func NewPolicy(optFns ...func(o *Options)) *Policy {
	client := openai.NewClient()
	return NewPolicyFromClient(&client, optFns...)
}

// NewPolicyFromClient creates a policy from an existing client.
func NewPolicyFromClient(client *openai.Client, optFns ...func(o *Options)) *Policy {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Policy{client: client, opts: opts}
}

// Predict asks the model for the next decision: a textual reply, one or more
// capability calls, or a handoff.
func (p *Policy) Predict(ctx context.Context, req agent.Request) (agent.Decision, error) {
	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(req),
		Model:               p.opts.Model,
		Temperature:         openai.Float(p.opts.Temperature),
		MaxCompletionTokens: openai.Int(p.opts.MaxCompletionTokens),
	}
	if tools := buildTools(req); len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return agent.Decision{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return agent.Decision{}, fmt.Errorf("no choices returned")
	}

	return decodeChoice(resp.Choices[0])
}

// buildMessages converts the persona, history and current message into chat
// messages. Tool-result history entries become an assistant tool-call message
// immediately followed by the matching tool response, as the API requires.
func buildMessages(req agent.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.Persona != "" {
		messages = append(messages, openai.SystemMessage(req.Persona))
	}

	for _, m := range req.History {
		switch m.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case core.RoleAgent:
			messages = append(messages, openai.AssistantMessage(m.Content))
		case core.RoleToolResult:
			if m.ToolCall == nil {
				continue
			}
			args, _ := json.Marshal(m.ToolCall.Arguments)
			messages = append(messages,
				openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role: "assistant",
					ToolCalls: []openai.ChatCompletionMessageToolCallParam{{
						ID:   m.ToolCall.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      m.ToolCall.Capability,
							Arguments: string(args),
						},
					}},
				}},
				openai.ToolMessage(m.Content, m.ToolCall.ID),
			)
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	return append(messages, openai.UserMessage(req.Message))
}

// buildTools exposes the agent's allowed capabilities, plus the synthetic
// handoff tool when targets are declared.
func buildTools(req agent.Request) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(req.Capabilities)+1)
	for _, desc := range req.Capabilities {
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        desc.ID,
				Description: openai.String(desc.Description),
				Parameters:  desc.InputSchema,
			},
		})
	}
	if len(req.Handoffs) > 0 {
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        handoffTool,
				Description: openai.String("Hand the conversation to another agent better suited to the request."),
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"agent_id": map[string]any{"type": "string", "enum": req.Handoffs},
					},
					"required": []string{"agent_id"},
				},
			},
		})
	}
	return tools
}

func decodeChoice(choice openai.ChatCompletionChoice) (agent.Decision, error) {
	decision := agent.Decision{Reply: choice.Message.Content}

	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return agent.Decision{}, fmt.Errorf("decode arguments for %s: %w", tc.Function.Name, err)
			}
		}

		if tc.Function.Name == handoffTool {
			target, _ := args["agent_id"].(string)
			if target == "" {
				return agent.Decision{}, fmt.Errorf("handoff call missing agent_id")
			}
			return agent.Decision{Handoff: target}, nil
		}

		decision.Calls = append(decision.Calls, agent.CapabilityCall{
			Capability: tc.Function.Name,
			Arguments:  args,
		})
	}

	return decision, nil
}
