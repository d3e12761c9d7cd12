package telegram

import (
	"context"
	"strconv"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"

	"kittybot/internal/metrics"
	"kittybot/internal/queue"
)

type Processor struct {
	Base    ext.BaseProcessor
	Dedupe  *queue.Deduplicator
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	// AllowedUserID, when set, drops updates from everyone else.
	AllowedUserID int64
}

func (p Processor) ProcessUpdate(d *ext.Dispatcher, b *gotgbot.Bot, ctx *ext.Context) error {
	if p.Metrics != nil {
		p.Metrics.UpdatesTotal.WithLabelValues("telegram").Inc()
	}
	if p.AllowedUserID != 0 && (ctx.EffectiveUser == nil || ctx.EffectiveUser.Id != p.AllowedUserID) {
		return nil
	}
	if p.Dedupe != nil {
		first, err := p.Dedupe.MarkFirst(context.Background(), "telegram", strconv.FormatInt(ctx.UpdateId, 10))
		if err != nil {
			p.Logger.Error().Err(err).Int64("update_id", ctx.UpdateId).Msg("failed to dedupe update")
		} else if !first {
			return nil
		}
	}
	return p.Base.ProcessUpdate(d, b, ctx)
}
