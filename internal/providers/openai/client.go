package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"kittybot/internal/providers"
)

type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

type Client struct {
	api *goopenai.Client
}

func New(cfg Config) *Client {
	clientConfig := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}
	return &Client{api: goopenai.NewClientWithConfig(clientConfig)}
}

var (
	_ providers.StreamingProvider = (*Client)(nil)
	_ providers.Validator         = (*Client)(nil)
)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	resp, err := c.api.CreateChatCompletion(ctx, buildRequest(req, false))
	if err != nil {
		return providers.ChatResponse{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return providers.ChatResponse{}, errors.New("no choices in completion")
	}
	return providers.ChatResponse{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

func (c *Client) ChatStream(ctx context.Context, req providers.ChatRequest) (<-chan providers.Fragment, error) {
	stream, err := c.api.CreateChatCompletionStream(ctx, buildRequest(req, true))
	if err != nil {
		return nil, classify(err)
	}

	out := make(chan providers.Fragment)
	go func() {
		defer close(out)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				select {
				case out <- providers.Fragment{Err: fmt.Errorf("stream: %w", classify(err))}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case out <- providers.Fragment{Text: resp.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Validate lists models, which succeeds for any key the API accepts.
func (c *Client) Validate(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func buildRequest(req providers.ChatRequest, stream bool) goopenai.ChatCompletionRequest {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	temperature := float32(req.Temperature)
	if temperature == 0 {
		// The client drops a zero temperature (omitempty) and the API would
		// fall back to 1.
		temperature = math.SmallestNonzeroFloat32
	}
	return goopenai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: temperature,
		Stream:      stream,
	}
}

func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s", providers.ErrRateLimited, apiErr.Message)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", providers.ErrRateLimited, reqErr.Err)
	}
	return err
}
