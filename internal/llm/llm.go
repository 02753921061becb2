// Package llm adapts model provider SDKs to remediation.Proposer.
package llm

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"

	"keel-go/internal/classify"
	"keel-go/internal/config"
	"keel-go/internal/keel"
	"keel-go/internal/remediation"
)

// ErrMissingAPIKey is returned when the configured key variable is unset.
var ErrMissingAPIKey = errors.New("model provider API key not set")

var defaultModels = map[string]map[classify.Complexity]string{
	"anthropic": {
		classify.ComplexitySimple:   "claude-3-5-haiku-latest",
		classify.ComplexityModerate: "claude-sonnet-4-5",
		classify.ComplexityComplex:  "claude-opus-4-1",
	},
	"openai": {
		classify.ComplexitySimple:   "gpt-4.1-mini",
		classify.ComplexityModerate: "gpt-4.1",
		classify.ComplexityComplex:  "o3",
	},
}

var defaultKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
}

// Models returns the model for each complexity tier, filling unset tiers
// with the provider's defaults.
func Models(cfg config.AIConfig) map[classify.Complexity]string {
	out := make(map[classify.Complexity]string, 3)
	for tier, m := range defaultModels[cfg.Provider] {
		out[tier] = m
	}
	if cfg.SimpleModel != "" {
		out[classify.ComplexitySimple] = cfg.SimpleModel
	}
	if cfg.ModerateModel != "" {
		out[classify.ComplexityModerate] = cfg.ModerateModel
	}
	if cfg.ComplexModel != "" {
		out[classify.ComplexityComplex] = cfg.ComplexModel
	}
	return out
}

// NewProposerFromConfig creates the configured Proposer, throttled to
// RequestsPerMinute. Provider "none" returns nil, which disables AI repair.
func NewProposerFromConfig(cfg config.AIConfig, getenv func(string) string, logger keel.Logger) (remediation.Proposer, error) {
	if cfg.Provider == "" || cfg.Provider == "none" {
		return nil, nil
	}

	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = defaultKeyEnv[cfg.Provider]
	}
	key := getenv(keyEnv)
	if key == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingAPIKey, keyEnv)
	}

	var p remediation.Proposer
	switch cfg.Provider {
	case "anthropic":
		p = NewAnthropicProposer(key)
	case "openai":
		p = NewOpenAIProposer(key)
	default:
		return nil, fmt.Errorf("unknown AI provider: %s", cfg.Provider)
	}

	return NewThrottled(p, cfg.RequestsPerMinute, 3, time.Second, logger), nil
}

// Retryable reports whether a provider error is worth retrying: rate
// limits, overload and server errors.
func Retryable(err error) bool {
	status := 0
	var aerr *anthropic.Error
	var oerr *openai.Error
	switch {
	case errors.As(err, &aerr):
		status = aerr.StatusCode
	case errors.As(err, &oerr):
		status = oerr.StatusCode
	default:
		return false
	}
	return status == http.StatusTooManyRequests || status == 529 || status >= 500
}
