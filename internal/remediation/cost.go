package remediation

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	"keel-go/internal/classify"
)

// Pricing is the USD cost per million tokens for one model tier.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing prices each complexity tier.
var DefaultPricing = map[classify.Complexity]Pricing{
	classify.ComplexitySimple:   {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	classify.ComplexityModerate: {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	classify.ComplexityComplex:  {InputPerMillion: 15.00, OutputPerMillion: 75.00},
}

// outputTokensPerStep is the expected completion size of one tool-loop turn.
const outputTokensPerStep = 512

// CostEstimate is the projected token use and price of an AI repair.
type CostEstimate struct {
	PromptTokens int     `json:"prompt_tokens"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Steps        int     `json:"steps"`
	CostUSD      float64 `json:"cost_usd"`
}

// TotalTokens is input plus output.
func (c CostEstimate) TotalTokens() int { return c.InputTokens + c.OutputTokens }

// CostEstimator projects repair cost from prompt size.
type CostEstimator struct {
	codec   tokenizer.Codec
	pricing map[classify.Complexity]Pricing
}

// NewCostEstimator loads the GPT-4 encoding, which approximates every
// supported provider closely enough for a budget estimate.
func NewCostEstimator(pricing map[classify.Complexity]Pricing) (*CostEstimator, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}
	if pricing == nil {
		pricing = DefaultPricing
	}
	return &CostEstimator{codec: codec, pricing: pricing}, nil
}

// CountTokens counts text tokens, falling back to four bytes per token.
func (e *CostEstimator) CountTokens(text string) int {
	if e == nil || e.codec == nil {
		return len(text) / 4
	}
	n, err := e.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// Estimate projects a loop of maxSteps turns. The prompt is resent each
// turn and about half the step budget is expected to be used.
func (e *CostEstimator) Estimate(prompt string, tier classify.Complexity, maxSteps int) CostEstimate {
	steps := (maxSteps + 1) / 2
	if steps < 1 {
		steps = 1
	}
	promptTokens := e.CountTokens(prompt)

	est := CostEstimate{
		PromptTokens: promptTokens,
		InputTokens:  promptTokens * steps,
		OutputTokens: outputTokensPerStep * steps,
		Steps:        steps,
	}

	pricing := DefaultPricing
	if e != nil && e.pricing != nil {
		pricing = e.pricing
	}
	p, ok := pricing[tier]
	if !ok {
		p = pricing[classify.ComplexityModerate]
	}
	est.CostUSD = float64(est.InputTokens)/1e6*p.InputPerMillion + float64(est.OutputTokens)/1e6*p.OutputPerMillion
	return est
}
