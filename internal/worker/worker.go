package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kittybot/internal/metrics"
	"kittybot/internal/queue"
	"kittybot/internal/tokens"
)

type UsageStore interface {
	AddUsage(ctx context.Context, userID string, tokens int64, cost float64) error
}

// Worker drains the usage stream into the per-user monthly totals.
type Worker struct {
	store      UsageStore
	queue      *queue.StreamQueue
	maxRetries int
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

type Config struct {
	Store      UsageStore
	Queue      *queue.StreamQueue
	MaxRetries int
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Worker{
		store:      cfg.Store,
		queue:      cfg.Queue,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger.With().Str("component", "usage_worker").Logger(),
		metrics:    m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 16)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read usage stream")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

// handle applies one event. A failed event is published again with its
// attempt count raised until MaxRetries, then dropped.
func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.Apply(ctx, msg.Event)
	if err == nil {
		w.metrics.UsageEvents.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack usage event")
		}
		return
	}

	w.metrics.UsageEventsFails.Inc()
	log.Error().Err(err).Str("event_id", msg.Event.EventID).Int("attempt", msg.Event.Attempts).Msg("usage event failed")

	if msg.Event.Attempts < w.maxRetries {
		msg.Event.Attempts++
		if _, pubErr := w.queue.Publish(ctx, msg.Event); pubErr != nil {
			log.Error().Err(pubErr).Str("event_id", msg.Event.EventID).Msg("failed to re-publish usage event")
			return
		}
	} else {
		log.Warn().Str("event_id", msg.Event.EventID).Str("user_id", msg.Event.UserID).Int64("tokens", msg.Event.Tokens).Msg("dropping usage event after retries")
	}
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack failed usage event")
	}
}

// Apply prices the event and adds it to the user's totals. Models without a
// known price add tokens at zero cost.
func (w *Worker) Apply(ctx context.Context, ev queue.UsageEvent) error {
	if ev.UserID == "" {
		return fmt.Errorf("usage event %s: missing user", ev.EventID)
	}
	if ev.Tokens <= 0 {
		return nil
	}
	cost, known := tokens.Cost(ev.Model, ev.Tokens)
	if !known {
		w.logger.Debug().Str("model", ev.Model).Msg("no price for model, recording zero cost")
	}
	if err := w.store.AddUsage(ctx, ev.UserID, ev.Tokens, cost); err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	w.metrics.TokensTotal.Add(float64(ev.Tokens))
	return nil
}
