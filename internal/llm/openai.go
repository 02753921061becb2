package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"keel-go/internal/remediation"
)

// OpenAIProposer calls the OpenAI Responses API with function tools.
type OpenAIProposer struct {
	client openai.Client
}

func NewOpenAIProposer(apiKey string, opts ...option.RequestOption) *OpenAIProposer {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAIProposer{client: openai.NewClient(opts...)}
}

func (p *OpenAIProposer) Propose(ctx context.Context, req remediation.ProposeRequest) (*remediation.Proposal, error) {
	params, err := responseParams(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai responses: %w", err)
	}
	return openAIProposal(resp), nil
}

func responseParams(req remediation.ProposeRequest) (responses.ResponseNewParams, error) {
	items, err := responseInput(req.Messages)
	if err != nil {
		return responses.ResponseNewParams{}, err
	}

	params := responses.ResponseNewParams{
		Model:           req.Model,
		MaxOutputTokens: openai.Int(int64(req.MaxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfInputItemList: items},
	}
	if req.System != "" {
		params.Instructions = openai.String(req.System)
	}

	if len(req.Tools) > 0 {
		tools := make([]responses.ToolUnionParam, len(req.Tools))
		for i, t := range req.Tools {
			required := t.Required
			if required == nil {
				required = []string{}
			}
			tools[i] = responses.ToolUnionParam{
				OfFunction: &responses.FunctionToolParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Strict:      openai.Bool(false),
					Parameters: openai.FunctionParameters(map[string]any{
						"type":       "object",
						"properties": t.Properties,
						"required":   required,
					}),
				},
			}
		}
		params.Tools = tools
	}
	return params, nil
}

func responseInput(msgs []remediation.Message) (responses.ResponseInputParam, error) {
	var items responses.ResponseInputParam
	for _, m := range msgs {
		role := responses.EasyInputMessageRoleUser
		if m.Role == remediation.RoleAssistant {
			role = responses.EasyInputMessageRoleAssistant
		}
		if m.Text != "" {
			items = append(items, responses.ResponseInputItemParamOfMessage(m.Text, role))
		}
		for _, c := range m.ToolCalls {
			args, err := json.Marshal(c.Input)
			if err != nil {
				return nil, fmt.Errorf("encoding %s arguments: %w", c.Name, err)
			}
			items = append(items, responses.ResponseInputItemParamOfFunctionCall(string(args), c.ID, c.Name))
		}
		for _, r := range m.ToolResults {
			out := r.Content
			if r.IsError {
				out = "ERROR: " + out
			}
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(r.CallID, out))
		}
	}
	return items, nil
}

// openAIProposal keeps function calls whose arguments decode; the rest
// are dropped and the model sees no result for them.
func openAIProposal(resp *responses.Response) *remediation.Proposal {
	prop := &remediation.Proposal{
		Text:         resp.OutputText(),
		StopReason:   string(resp.Status),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	for i := range resp.Output {
		item := &resp.Output[i]
		if item.Type != "function_call" {
			continue
		}
		fn := item.AsFunctionCall()
		var input map[string]any
		if fn.Arguments != "" {
			if err := json.Unmarshal([]byte(fn.Arguments), &input); err != nil {
				continue
			}
		}
		prop.ToolCalls = append(prop.ToolCalls, remediation.ToolCall{ID: fn.CallID, Name: fn.Name, Input: input})
	}
	return prop
}

var _ remediation.Proposer = (*OpenAIProposer)(nil)
