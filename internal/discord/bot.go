// Package discord connects the orchestrator and the chat commands to a
// Discord bot account.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"kittybot/internal/commands"
	"kittybot/internal/metrics"
	"kittybot/internal/orchestrator"
	"kittybot/internal/queue"
)

// Handler is the part of the orchestrator the adapter drives.
type Handler interface {
	Handle(ctx context.Context, in orchestrator.Inbound) orchestrator.Result
}

type Config struct {
	Token string
	// GuildID limits slash command registration to one guild, which applies
	// instantly. Empty registers them globally.
	GuildID      string
	SyncCommands bool
	// MaxLength bounds command replies; model replies are split upstream.
	MaxLength int

	Commands *commands.Service
	Dedupe   *queue.Deduplicator
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

type Bot struct {
	cfg      Config
	session  *discordgo.Session
	handler  Handler
	commands *commands.Service
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	botID    string

	ctx context.Context
}

var _ orchestrator.Platform = (*Bot)(nil)

func New(cfg Config) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord bot token is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 1900
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &Bot{
		cfg:      cfg,
		session:  session,
		commands: cfg.Commands,
		logger:   cfg.Logger.With().Str("component", "discord").Logger(),
		metrics:  cfg.Metrics,
		ctx:      context.Background(),
	}, nil
}

// SetHandler binds the orchestrator. It is separate from New because the
// orchestrator itself needs the bot as its platform.
func (b *Bot) SetHandler(h Handler) {
	b.handler = h
}

// Run connects to the gateway and serves events until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	if b.handler == nil {
		return errors.New("discord: no message handler set")
	}
	b.ctx = ctx
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	defer b.session.Close()

	b.botID = b.session.State.User.ID
	b.logger.Info().Str("bot", b.session.State.User.Username).Str("bot_id", b.botID).Msg("discord connected")

	if b.cfg.SyncCommands && b.commands != nil {
		cmds := applicationCommands(b.commands.Commands())
		if _, err := b.session.ApplicationCommandBulkOverwrite(b.botID, b.cfg.GuildID, cmds, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("sync slash commands: %w", err)
		}
		b.logger.Info().Int("commands", len(cmds)).Str("guild_id", b.cfg.GuildID).Msg("slash commands synced")
	}

	<-ctx.Done()
	b.logger.Info().Msg("discord disconnecting")
	return nil
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	b.metrics.UpdatesTotal.WithLabelValues("discord").Inc()
	if m.Author == nil || m.Author.Bot || m.Author.ID == b.botID {
		return
	}
	ctx := b.ctx
	if b.cfg.Dedupe != nil {
		first, err := b.cfg.Dedupe.MarkFirst(ctx, "discord", m.ID)
		if err != nil {
			b.logger.Error().Err(err).Str("message_id", m.ID).Msg("failed to dedupe message")
		} else if !first {
			return
		}
	}

	ch, err := s.State.Channel(m.ChannelID)
	if err != nil {
		ch, err = s.Channel(m.ChannelID, discordgo.WithContext(ctx))
		if err != nil {
			b.logger.Warn().Err(err).Str("channel_id", m.ChannelID).Msg("channel lookup failed")
		}
	}
	b.handler.Handle(ctx, inbound(m.Message, ch, b.botID))
}

func inbound(m *discordgo.Message, ch *discordgo.Channel, botID string) orchestrator.Inbound {
	in := orchestrator.Inbound{
		MessageID: m.ID,
		AuthorID:  m.Author.ID,
		ChannelID: m.ChannelID,
		IsDirect:  m.GuildID == "",
		Text:      stripMention(m.Content, botID),
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			in.MentionsBot = true
			break
		}
	}
	if ch != nil {
		if ch.IsThread() {
			in.InThread = true
			in.ParentChannelID = ch.ParentID
		}
		in.StartThread = ch.Type == discordgo.ChannelTypeGuildText
	}
	return in
}

func stripMention(text, botID string) string {
	if botID != "" {
		text = strings.ReplaceAll(text, "<@"+botID+">", "")
		text = strings.ReplaceAll(text, "<@!"+botID+">", "")
	}
	return strings.TrimSpace(text)
}
