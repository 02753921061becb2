package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"keel-go/internal/remediation"
)

// AnthropicProposer calls the Anthropic Messages API with tools.
type AnthropicProposer struct {
	client anthropic.Client
}

func NewAnthropicProposer(apiKey string, opts ...option.RequestOption) *AnthropicProposer {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicProposer{client: anthropic.NewClient(opts...)}
}

func (p *AnthropicProposer) Propose(ctx context.Context, req remediation.ProposeRequest) (*remediation.Proposal, error) {
	resp, err := p.client.Messages.New(ctx, anthropicParams(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}
	return anthropicProposal(resp)
}

func anthropicParams(req remediation.ProposeRequest) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  anthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System, Type: "text"}}
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			tool := anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
				Properties: t.Properties,
				Required:   t.Required,
			}, t.Name)
			tool.OfTool.Description = anthropic.String(t.Description)
			tools = append(tools, tool)
		}
		params.Tools = tools
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}
	return params
}

func anthropicMessages(msgs []remediation.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		if m.Text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Text))
		}
		for _, c := range m.ToolCalls {
			input := c.Input
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(c.ID, input, c.Name))
		}
		for _, r := range m.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(r.CallID, r.Content, r.IsError))
		}
		if len(blocks) == 0 {
			continue
		}

		if m.Role == remediation.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func anthropicProposal(resp *anthropic.Message) (*remediation.Proposal, error) {
	if resp == nil {
		return nil, fmt.Errorf("anthropic messages: empty response")
	}

	prop := &remediation.Proposal{
		StopReason:   string(resp.StopReason),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			prop.Text += block.AsText().Text
		case "tool_use":
			use := block.AsToolUse()
			var input map[string]any
			if len(use.Input) > 0 {
				if err := json.Unmarshal(use.Input, &input); err != nil {
					return nil, fmt.Errorf("decoding %s input: %w", use.Name, err)
				}
			}
			prop.ToolCalls = append(prop.ToolCalls, remediation.ToolCall{ID: use.ID, Name: use.Name, Input: input})
		}
	}
	return prop, nil
}

var _ remediation.Proposer = (*AnthropicProposer)(nil)
