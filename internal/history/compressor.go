package history

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"kittybot/internal/gateway"
	"kittybot/internal/providers"
)

const (
	defaultSummaryModel  = "gpt-3.5-turbo"
	defaultMaxToSummary  = 2000
	defaultMaxSummaryLen = 500

	summaryInstruction = "Summarize the following conversation concisely. Keep names, numbers and open questions."
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>()\[\]"'` + "`" + `]+`)

type Model interface {
	Send(ctx context.Context, req gateway.Request) gateway.Reply
}

type TokenCounter interface {
	Count(model, text string) int
}

type Config struct {
	Model                Model
	Counter              TokenCounter
	SummaryModel         string
	MaxTokensToSummarize int
	MaxSummaryLength     int
	Logger               zerolog.Logger
}

// Compressor bounds the history sent with each request to at most two turns:
// a summary of older turns and the latest turn verbatim.
type Compressor struct {
	model        Model
	counter      TokenCounter
	summaryModel string
	maxInput     int
	maxSummary   int
	logger       zerolog.Logger
}

func NewCompressor(cfg Config) *Compressor {
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = defaultSummaryModel
	}
	if cfg.MaxTokensToSummarize <= 0 {
		cfg.MaxTokensToSummarize = defaultMaxToSummary
	}
	if cfg.MaxSummaryLength <= 0 {
		cfg.MaxSummaryLength = defaultMaxSummaryLen
	}
	return &Compressor{
		model:        cfg.Model,
		counter:      cfg.Counter,
		summaryModel: cfg.SummaryModel,
		maxInput:     cfg.MaxTokensToSummarize,
		maxSummary:   cfg.MaxSummaryLength,
		logger:       cfg.Logger.With().Str("component", "history").Logger(),
	}
}

// Compress returns the turns unchanged when there is nothing to summarize or
// no credential to summarize with. Turns that do not fit the summary budget
// are dropped from the summary input.
func (c *Compressor) Compress(ctx context.Context, turns []providers.Message, credential string) []providers.Message {
	if len(turns) <= 1 || credential == "" {
		return turns
	}
	last := turns[len(turns)-1]

	var (
		lines []string
		used  int
	)
	for _, t := range turns[:len(turns)-1] {
		content := t.Content
		if t.Role == providers.RoleAssistant {
			content = ShortenLinks(content)
		}
		line := string(t.Role) + ": " + content
		n := c.counter.Count(c.summaryModel, line)
		if used+n > c.maxInput {
			break
		}
		used += n
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return []providers.Message{last}
	}

	reply := c.model.Send(ctx, gateway.Request{
		Credential: credential,
		Model:      c.summaryModel,
		Turns: []providers.Message{
			{Role: providers.RoleSystem, Content: summaryInstruction},
			{Role: providers.RoleUser, Content: strings.Join(lines, "\n")},
		},
		MaxTokens: c.maxSummary,
		Complete:  true,
	})
	summary := strings.TrimSpace(reply.Text)
	if reply.Err != nil || summary == "" {
		c.logger.Warn().Err(reply.Err).Int("turns", len(lines)).Msg("summary failed, keeping latest turn only")
		return []providers.Message{last}
	}
	c.logger.Debug().Int("turns", len(lines)).Int("input_tokens", used).Int("summary_tokens", reply.TokensUsed).Msg("history summarized")
	return []providers.Message{
		{Role: providers.RoleAssistant, Content: summary},
		last,
	}
}

// ShortenLinks rewrites every URL to its host followed by "/...".
func ShortenLinks(text string) string {
	return urlPattern.ReplaceAllStringFunc(text, func(raw string) string {
		link := strings.TrimRight(raw, ".,;:!?")
		tail := raw[len(link):]
		u, err := url.Parse(link)
		if err != nil || u.Host == "" {
			return raw
		}
		return strings.TrimPrefix(u.Hostname(), "www.") + "/..." + tail
	})
}
