package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog/log"

	"kittybot/internal/discord"
	"kittybot/internal/orchestrator"
	"kittybot/internal/telegram"
)

func startDiscord(a *app) (runner, error) {
	bot, err := discord.New(discord.Config{
		Token:        a.cfg.Discord.Token,
		GuildID:      a.cfg.Discord.GuildID,
		SyncCommands: a.cfg.Discord.SyncOnStart,
		MaxLength:    a.cfg.MessageMaxLength,
		Commands:     a.commands,
		Dedupe:       a.dedupe,
		Logger:       log.Logger,
		Metrics:      a.metrics,
	})
	if err != nil {
		return runner{}, fmt.Errorf("create discord bot: %w", err)
	}
	ec := a.engine
	ec.Platform = bot
	bot.SetHandler(orchestrator.New(ec))
	return runner{run: bot.Run}, nil
}

func startTelegram(ctx context.Context, a *app) (runner, error) {
	tc := a.cfg.Telegram
	bot, err := gotgbot.NewBot(tc.Token, nil)
	if err != nil {
		return runner{}, errors.New("create telegram bot: " + redactToken(err, tc.Token))
	}
	log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")

	logTelegramErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(redactToken(err, tc.Token))
	}

	svc := telegram.NewService(telegram.Config{
		Bot:           bot,
		Commands:      a.commands,
		Redis:         a.rdb,
		Logger:        log.Logger,
		Metrics:       a.metrics,
		AdminCacheTTL: tc.AdminCacheTTL,
		WizardTTL:     tc.WizardTTL,
		TurnLogSize:   tc.TurnLogSize,
		TurnLogTTL:    tc.TurnLogTTL,
		MaxLength:     a.cfg.MessageMaxLength,
		ForumTopics:   tc.ForumTopics,
	})
	ec := a.engine
	ec.Platform = svc
	svc.Bind(ctx, orchestrator.New(ec))

	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		MaxRoutines:      100,
		UnhandledErrFunc: logTelegramErr,
		Processor: telegram.Processor{
			Dedupe:        a.dedupe,
			Metrics:       a.metrics,
			Logger:        log.Logger,
			AllowedUserID: tc.AllowedUserID,
		},
	})
	svc.Register(dispatcher)
	if _, err := bot.SetMyCommandsWithContext(ctx, svc.BotCommands(), nil); err != nil {
		log.Warn().Str("error", redactToken(err, tc.Token)).Msg("failed to publish command list")
	}

	updater := ext.NewUpdater(dispatcher, &ext.UpdaterOpts{UnhandledErrFunc: logTelegramErr})
	r := runner{stop: func() {
		if err := updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}}

	if tc.DevPolling {
		if err := updater.StartPolling(bot, &ext.PollingOpts{
			EnableWebhookDeletion: true,
			DropPendingUpdates:    true,
			GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
				Timeout: 50,
				RequestOpts: &gotgbot.RequestOpts{
					Timeout: 60 * time.Second,
				},
			},
		}); err != nil {
			return runner{}, errors.New("start polling: " + redactToken(err, tc.Token))
		}
		log.Info().Msg("polling mode started")
		return r, nil
	}

	if tc.WebhookURL == "" {
		return runner{}, errors.New("TELEGRAM_WEBHOOK_URL is required when TELEGRAM_POLLING=false")
	}
	path := tc.WebhookPath
	if path == "" {
		path = "telegram"
	}
	if err := updater.AddWebhook(bot, path, &ext.AddWebhookOpts{SecretToken: tc.WebhookSecret}); err != nil {
		return runner{}, fmt.Errorf("configure webhook handler: %w", err)
	}
	webhookURL := strings.TrimSuffix(tc.WebhookURL, "/") + "/" + path
	if _, err := bot.SetWebhookWithContext(ctx, webhookURL, &gotgbot.SetWebhookOpts{
		SecretToken: tc.WebhookSecret,
	}); err != nil {
		return runner{}, errors.New("set telegram webhook: " + redactToken(err, tc.Token))
	}
	log.Info().Str("webhook_url", webhookURL).Msg("webhook registered")
	r.route = &route{path: "/" + path, handler: updater.GetHandlerFunc("/")}
	return r, nil
}
