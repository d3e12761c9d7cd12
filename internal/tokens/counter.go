package tokens

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"
)

const fallbackEncoding = "cl100k_base"

type Config struct {
	Logger zerolog.Logger
	// Offline skips the BPE tokenizer entirely and always estimates.
	Offline bool
}

// Counter counts tokens the way the model vendor does, falling back to a
// character heuristic when no tokenizer can be loaded.
type Counter struct {
	logger  zerolog.Logger
	offline bool

	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
	failed   map[string]bool
}

func NewCounter(cfg Config) *Counter {
	return &Counter{
		logger:   cfg.Logger,
		offline:  cfg.Offline,
		encoders: make(map[string]*tiktoken.Tiktoken),
		failed:   make(map[string]bool),
	}
}

func (c *Counter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoder(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return Estimate(text)
}

func (c *Counter) encoder(model string) *tiktoken.Tiktoken {
	if c.offline {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encoders[model]; ok {
		return enc
	}
	if c.failed[model] {
		return nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		c.failed[model] = true
		c.logger.Warn().Err(err).Str("model", model).Msg("tokenizer unavailable, estimating token counts")
		return nil
	}
	c.encoders[model] = enc
	return enc
}

// Estimate is a rough count: four ASCII characters per token, two tokens per
// non-ASCII rune.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	ascii, other := 0, 0
	for _, r := range text {
		if r <= 127 {
			ascii++
		} else {
			other++
		}
	}
	n := (ascii+3)/4 + other*2
	if n == 0 {
		n = 1
	}
	return n
}

// Price per 1000 tokens.
var pricePer1K = map[string]float64{
	"gpt-4":         0.06,
	"gpt-3.5-turbo": 0.002,
}

// KnownModels lists the priced model ids in order.
func KnownModels() []string {
	out := make([]string, 0, len(pricePer1K))
	for m := range pricePer1K {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Cost prices tokens for model, matching dated or suffixed variants such as
// "gpt-4-0613" against the longest known prefix. Unknown models cost nothing
// and report false.
func Cost(model string, tokens int64) (float64, bool) {
	price, ok := pricePer1K[model]
	if !ok {
		prefixes := make([]string, 0, len(pricePer1K))
		for p := range pricePer1K {
			prefixes = append(prefixes, p)
		}
		sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
		for _, p := range prefixes {
			if strings.HasPrefix(model, p+"-") {
				price, ok = pricePer1K[p], true
				break
			}
		}
	}
	if !ok {
		return 0, false
	}
	return float64(tokens) * price / 1000, true
}
