package provider

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

type openAIClient struct {
	client openai.Client
}

func newOpenAI(apiKey string, baseURL string) (*openAIClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("missing openai api key")
	}
	opts := []ooption.RequestOption{ooption.WithAPIKey(apiKey)}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		opts = append(opts, ooption.WithBaseURL(baseURL))
	}
	return &openAIClient{client: openai.NewClient(opts...)}, nil
}

func (p *openAIClient) Name() string { return "openai" }

func (p *openAIClient) CompleteTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if p == nil {
		return TurnResult{}, errors.New("nil provider")
	}
	if err := validateTurnRequest(req); err != nil {
		return TurnResult{}, err
	}

	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens: openai.Int(defaultMaxOutputTokens),
		Input: oresponses.ResponseNewParamsInputUnion{
			OfInputItemList: []oresponses.ResponseInputItemUnionParam{
				oresponses.ResponseInputItemParamOfMessage(strings.TrimSpace(req.Prompt), oresponses.EasyInputMessageRoleUser),
			},
		},
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(req.MaxOutputTokens)
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.Instructions = openai.String(system)
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return TurnResult{}, err
	}
	return TurnResult{
		Text: strings.TrimSpace(resp.OutputText()),
		Usage: TurnUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}
