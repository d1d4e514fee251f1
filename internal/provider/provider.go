// Package provider holds the thin language-model turn clients used by the
// task execution engine. Providers are specified only at this boundary: one
// request in, one assistant turn out.
package provider

import (
	"context"
	"errors"
	"strings"
)

type TurnRequest struct {
	Model  string
	System string
	Prompt string
	// MaxOutputTokens defaults to 4096 when zero.
	MaxOutputTokens int64
}

type TurnUsage struct {
	InputTokens  int64
	OutputTokens int64
}

type TurnResult struct {
	Text  string
	Usage TurnUsage
}

// Client completes one assistant turn. Implementations must honor ctx
// cancellation; the engine relies on it at its suspension points.
type Client interface {
	Name() string
	CompleteTurn(ctx context.Context, req TurnRequest) (TurnResult, error)
}

const defaultMaxOutputTokens = 4096

// New builds a provider client by name.
func New(name string, apiKey string, baseURL string) (Client, error) {
	switch strings.TrimSpace(strings.ToLower(name)) {
	case "anthropic":
		return newAnthropic(apiKey, baseURL)
	case "openai":
		return newOpenAI(apiKey, baseURL)
	default:
		return nil, errors.New("unsupported provider " + name)
	}
}

func validateTurnRequest(req TurnRequest) error {
	if strings.TrimSpace(req.Model) == "" {
		return errors.New("missing model")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return errors.New("missing prompt")
	}
	return nil
}
