package telegram

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"kittybot/internal/commands"
	"kittybot/internal/metrics"
	"kittybot/internal/orchestrator"
)

// Handler is the part of the orchestrator the adapter drives.
type Handler interface {
	Handle(ctx context.Context, in orchestrator.Inbound) orchestrator.Result
}

type Service struct {
	bot           *gotgbot.Bot
	commands      *commands.Service
	handler       Handler
	turns         *TurnLog
	wizard        *wizardStore
	redis         *redis.Client
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	adminCacheTTL time.Duration
	botUsername   string
	maxLength     int
	forumTopics   bool

	ctx context.Context
}

type Config struct {
	Bot           *gotgbot.Bot
	Commands      *commands.Service
	Redis         *redis.Client
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	AdminCacheTTL time.Duration
	WizardTTL     time.Duration
	TurnLogSize   int64
	TurnLogTTL    time.Duration
	MaxLength     int
	// ForumTopics opens a topic per question in forum supergroups, the way
	// Discord gets a thread per question.
	ForumTopics bool
}

var _ orchestrator.Platform = (*Service)(nil)

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.AdminCacheTTL <= 0 {
		cfg.AdminCacheTTL = 10 * time.Minute
	}
	if cfg.WizardTTL <= 0 {
		cfg.WizardTTL = 20 * time.Minute
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 3800
	}
	username := ""
	if cfg.Bot != nil {
		username = cfg.Bot.User.Username
	}
	return &Service{
		bot:           cfg.Bot,
		commands:      cfg.Commands,
		turns:         NewTurnLog(cfg.Redis, cfg.TurnLogSize, cfg.TurnLogTTL),
		wizard:        newWizardStore(cfg.Redis, cfg.WizardTTL),
		redis:         cfg.Redis,
		logger:        cfg.Logger.With().Str("component", "telegram").Logger(),
		metrics:       m,
		adminCacheTTL: cfg.AdminCacheTTL,
		botUsername:   username,
		maxLength:     cfg.MaxLength,
		forumTopics:   cfg.ForumTopics,
		ctx:           context.Background(),
	}
}

// Bind sets the orchestrator and the context runs are started under. It is
// separate from NewService because the orchestrator needs the service as its
// platform.
func (s *Service) Bind(ctx context.Context, h Handler) {
	s.ctx = ctx
	s.handler = h
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("start", s.start))
	d.AddHandler(handlers.NewCommand("cancel", s.cancelWizard))
	d.AddHandler(handlers.NewCommand("menu", s.menu))
	for _, c := range s.commands.Commands() {
		d.AddHandler(handlers.NewCommand(c.Name, s.onCommand))
	}
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Text(msg) && !strings.HasPrefix(msg.Text, "/")
	}, s.onText))
}

// BotCommands lists the commands for the client-side command menu.
func (s *Service) BotCommands() []gotgbot.BotCommand {
	out := make([]gotgbot.BotCommand, 0, len(s.commands.Commands())+1)
	out = append(out, gotgbot.BotCommand{Command: "menu", Description: "Channel settings and plugins"})
	for _, c := range s.commands.Commands() {
		out = append(out, gotgbot.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

func (s *Service) deepLink(param string) string {
	if strings.TrimSpace(s.botUsername) == "" {
		return ""
	}
	return "https://t.me/" + s.botUsername + "?start=" + url.QueryEscape(param)
}
