package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kittybot/internal/gateway"
	"kittybot/internal/metrics"
	"kittybot/internal/plugins"
	"kittybot/internal/providers"
	"kittybot/internal/queue"
	"kittybot/internal/storage"
)

var ErrNoCredential = errors.New("no model credential configured")

const (
	NoKeyText         = "No LLM key is configured for you yet. Use /setup_llm_openai to add your OpenAI API key."
	BudgetText        = "Sorry, your monthly token limit is reached."
	headlinePrompt    = "Create a short headline for the user prompt. Always start with a fitting emoji."
	emptyReplyText    = "(empty response)"
	defaultTitleLimit = 100
)

var stopWords = map[string]bool{"ok": true, "thanks": true, "stop": true}

type SettingsStore interface {
	ChannelSettings(ctx context.Context, channelID string) (storage.ChannelSettings, error)
	HasChannelSettings(ctx context.Context, channelID string) (bool, error)
	UserSettings(ctx context.Context, userID string) (storage.UserSettings, error)
	MarkInformed(ctx context.Context, userID string) error
	Usage(ctx context.Context, userID string) (storage.UsageTotals, error)
}

type Credentials interface {
	plugins.CredentialLookup
	Get(ctx context.Context, userID, keyName string) (string, error)
}

type Model interface {
	Send(ctx context.Context, req gateway.Request) gateway.Reply
}

type Compressor interface {
	Compress(ctx context.Context, turns []providers.Message, credential string) []providers.Message
}

type Composer interface {
	Compose(ctx context.Context, channelID string, cs storage.ChannelSettings, usable []plugins.Entry) string
}

type Dispatcher interface {
	Dispatch(ctx context.Context, userID, text string, usable []plugins.Entry) string
}

type TokenCounter interface {
	Count(model, text string) int
}

type RateLimiter interface {
	Allow(ctx context.Context, userID string, now time.Time) (bool, int64, time.Time, error)
}

type UsagePublisher interface {
	Publish(ctx context.Context, ev queue.UsageEvent) (string, error)
}

type Config struct {
	Platform    Platform
	Settings    SettingsStore
	Credentials Credentials
	Catalog     *plugins.Catalog
	Model       Model
	Compressor  Compressor
	Composer    Composer
	Dispatcher  Dispatcher
	Counter     TokenCounter
	// Limiter and Usage are optional.
	Limiter RateLimiter
	Usage   UsagePublisher

	CredentialKey     string
	DefaultModel      string
	CheapModel        string
	MessageMaxLength  int
	HistoryFetchLimit int
	MonthlyTokenLimit int64
	TitleMaxLength    int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Engine turns inbound chat messages into model replies. At most one run per
// user is in flight; a newer message from the same user cancels the older run.
type Engine struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]*flight
}

type flight struct {
	runID  string
	cancel context.CancelFunc
}

func New(cfg Config) *Engine {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CredentialKey == "" {
		cfg.CredentialKey = "OPENAI_API_KEY"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4"
	}
	if cfg.CheapModel == "" {
		cfg.CheapModel = "gpt-3.5-turbo"
	}
	if cfg.MessageMaxLength <= 0 {
		cfg.MessageMaxLength = 1700
	}
	if cfg.HistoryFetchLimit <= 0 {
		cfg.HistoryFetchLimit = 15
	}
	if cfg.TitleMaxLength <= 3 {
		cfg.TitleMaxLength = defaultTitleLimit
	}
	return &Engine{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "orchestrator").Logger(),
		metrics:  cfg.Metrics,
		inflight: map[string]*flight{},
	}
}

// Handle processes one message and blocks until its run ends. Adapters call
// it from their own goroutine per message.
func (e *Engine) Handle(ctx context.Context, in Inbound) Result {
	e.metrics.MessagesTotal.Inc()
	text := strings.TrimSpace(in.Text)
	log := e.logger.With().Str("user_id", in.AuthorID).Str("channel_id", in.ChannelID).Str("message_id", in.MessageID).Logger()

	if stopWords[strings.ToLower(text)] {
		if e.cancelUser(in.AuthorID) {
			log.Info().Msg("run stopped by user")
		}
		return e.finish(Result{Outcome: OutcomeStopped})
	}
	if text == "" {
		return e.finish(Result{Outcome: OutcomeIgnored})
	}

	settingsID := e.settingsChannel(ctx, in)
	cs, err := e.cfg.Settings.ChannelSettings(ctx, settingsID)
	if err != nil {
		log.Warn().Err(err).Msg("load channel settings failed, using defaults")
		cs = storage.ChannelSettings{Language: storage.DefaultLanguage, Autorespond: true, HistoryDepth: storage.DefaultHistoryDepth}
	}
	if !in.IsDirect && !cs.Autorespond && !in.MentionsBot {
		return e.finish(Result{Outcome: OutcomeIgnored})
	}

	runCtx, runID, release := e.begin(ctx, in.AuthorID)
	defer release()

	r := &run{
		e:          e,
		id:         runID,
		in:         in,
		text:       text,
		settingsID: settingsID,
		settings:   cs,
		log:        log.With().Str("run_id", runID).Logger(),
	}
	res := r.execute(runCtx)
	res.RunID = runID
	if res.Outcome != OutcomeCancelled && runCtx.Err() != nil {
		res.Outcome = OutcomeCancelled
	}
	r.log.Debug().Str("outcome", string(res.Outcome)).Str("state", res.State.String()).Msg("run finished")
	return e.finish(res)
}

func (e *Engine) finish(res Result) Result {
	e.metrics.RunsTotal.WithLabelValues(string(res.Outcome)).Inc()
	return res
}

// settingsChannel picks the thread's own settings when it has any, else the
// parent channel's.
func (e *Engine) settingsChannel(ctx context.Context, in Inbound) string {
	if !in.InThread || in.ParentChannelID == "" {
		return in.ChannelID
	}
	own, err := e.cfg.Settings.HasChannelSettings(ctx, in.ChannelID)
	if err != nil {
		e.logger.Warn().Err(err).Str("channel_id", in.ChannelID).Msg("thread settings lookup failed")
	}
	if own {
		return in.ChannelID
	}
	return in.ParentChannelID
}

func (e *Engine) begin(ctx context.Context, userID string) (context.Context, string, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	f := &flight{runID: uuid.NewString(), cancel: cancel}

	e.mu.Lock()
	if prev, ok := e.inflight[userID]; ok {
		prev.cancel()
		e.metrics.RunsCancelled.Inc()
		e.logger.Info().Str("user_id", userID).Str("run_id", prev.runID).Msg("previous run cancelled by newer message")
	}
	e.inflight[userID] = f
	e.mu.Unlock()

	return runCtx, f.runID, func() {
		cancel()
		e.mu.Lock()
		if cur, ok := e.inflight[userID]; ok && cur == f {
			delete(e.inflight, userID)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) cancelUser(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.inflight[userID]
	if !ok {
		return false
	}
	f.cancel()
	delete(e.inflight, userID)
	e.metrics.RunsCancelled.Inc()
	return true
}

// InFlight reports whether the user has a running request.
func (e *Engine) InFlight(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[userID]
	return ok
}
