package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"kittybot/internal/metrics"
	"kittybot/internal/providers"
)

const (
	defaultMaxAttempts = 5
	defaultRetryDelay  = 5 * time.Second
	defaultMaxTokens   = 3000
)

// Factory builds a provider authenticated with one user's API key.
type Factory func(apiKey string) (providers.Provider, error)

type Config struct {
	Factory Factory
	// StreamModels are answered progressively when the provider can stream.
	StreamModels []string
	MaxTokens    int
	MaxAttempts  int
	RetryDelay   time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

type Request struct {
	Credential  string
	Model       string
	Turns       []providers.Message
	Temperature float64
	MaxTokens   int
	// Complete forces a single non-streamed answer.
	Complete bool
}

// Reply is either a complete text or a fragment stream. Failures never
// surface as errors: Text then holds a readable description and Err the
// cause.
type Reply struct {
	Text       string
	TokensUsed int
	Fragments  <-chan providers.Fragment
	Err        error
}

func (r Reply) Streamed() bool { return r.Fragments != nil }

type Gateway struct {
	factory      Factory
	streamModels map[string]bool
	maxTokens    int
	maxAttempts  int
	retryDelay   time.Duration
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

func New(cfg Config) *Gateway {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	stream := make(map[string]bool, len(cfg.StreamModels))
	for _, m := range cfg.StreamModels {
		stream[m] = true
	}
	return &Gateway{
		factory:      cfg.Factory,
		streamModels: stream,
		maxTokens:    cfg.MaxTokens,
		maxAttempts:  cfg.MaxAttempts,
		retryDelay:   cfg.RetryDelay,
		logger:       cfg.Logger.With().Str("component", "gateway").Logger(),
		metrics:      cfg.Metrics,
	}
}

// Send runs one model call. Rate-limit refusals are retried up to the
// configured number of attempts with a fixed delay; any other fault ends the
// call at once.
func (g *Gateway) Send(ctx context.Context, req Request) Reply {
	provider, err := g.factory(req.Credential)
	if err != nil {
		return g.fail(req.Model, fmt.Errorf("build provider: %w", err))
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = g.maxTokens
	}
	chatReq := providers.ChatRequest{
		Model:       req.Model,
		Messages:    req.Turns,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	streamer, canStream := provider.(providers.StreamingProvider)
	stream := canStream && !req.Complete && g.streamModels[req.Model]

	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		var reply Reply
		if stream {
			var frags <-chan providers.Fragment
			frags, err = streamer.ChatStream(ctx, chatReq)
			reply = Reply{Fragments: frags}
		} else {
			var resp providers.ChatResponse
			resp, err = provider.Chat(ctx, chatReq)
			reply = Reply{Text: resp.Text, TokensUsed: resp.TokensUsed}
		}
		if err == nil {
			g.count(req.Model, "ok")
			return reply
		}
		lastErr = err

		if !errors.Is(err, providers.ErrRateLimited) || ctx.Err() != nil {
			g.logger.Error().Err(err).Str("model", req.Model).Int("attempt", attempt).Msg("model call failed")
			return g.fail(req.Model, err)
		}
		if attempt == g.maxAttempts {
			break
		}
		g.logger.Warn().Err(err).Str("model", req.Model).Int("attempt", attempt).Dur("delay", g.retryDelay).Msg("rate limited, retrying")
		if g.metrics != nil {
			g.metrics.ModelRetries.Inc()
		}
		select {
		case <-ctx.Done():
			return g.fail(req.Model, ctx.Err())
		case <-time.After(g.retryDelay):
		}
	}

	g.logger.Error().Err(lastErr).Str("model", req.Model).Int("attempts", g.maxAttempts).Msg("rate limit retries exhausted")
	return g.fail(req.Model, lastErr)
}

func (g *Gateway) fail(model string, err error) Reply {
	g.count(model, "error")
	return Reply{Text: ErrorText(err), Err: err}
}

func (g *Gateway) count(model, outcome string) {
	if g.metrics != nil {
		g.metrics.ModelCalls.WithLabelValues(model, outcome).Inc()
	}
}

// ErrorText is how a failed call reads in the chat.
func ErrorText(err error) string {
	return "Error occurred: " + err.Error()
}
