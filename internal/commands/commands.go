package commands

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"kittybot/internal/plugins"
	"kittybot/internal/storage"
)

type Store interface {
	Channel(channelID string) storage.Scope
	User(userID string) storage.Scope
	ChannelSettings(ctx context.Context, channelID string) (storage.ChannelSettings, error)
	UserSettings(ctx context.Context, userID string) (storage.UserSettings, error)
	Usage(ctx context.Context, userID string) (storage.UsageTotals, error)
	LogAction(ctx context.Context, e storage.AuditEntry) error
}

type Vault interface {
	plugins.CredentialLookup
	Set(ctx context.Context, userID, keyName, value string) error
	Delete(ctx context.Context, userID, keyName string) error
	Masked(ctx context.Context, userID string) (map[string]string, error)
}

type PluginRunner interface {
	Run(ctx context.Context, e plugins.Entry, creds []string, args plugins.Args) string
}

// KeyValidator checks an LLM API key against the provider.
type KeyValidator func(ctx context.Context, apiKey string) error

type Option struct {
	Name        string
	Description string
	Required    bool
	// Rest takes the remainder of a text command line.
	Rest bool
}

type Command struct {
	Name        string
	Description string
	Options     []Option
	// ChannelAdmin commands change channel settings and need admin rights
	// outside direct chats.
	ChannelAdmin bool
	// Private replies are shown only to the caller where the platform can.
	Private bool
	handler func(ctx context.Context, inv Invocation) string
}

type Invocation struct {
	UserID    string
	ChannelID string
	IsDirect  bool
	IsAdmin   bool
	Args      map[string]string
}

func (inv Invocation) Arg(name string) string {
	return strings.TrimSpace(inv.Args[name])
}

type Reply struct {
	Text    string
	Private bool
}

type Config struct {
	Store       Store
	Vault       Vault
	Catalog     *plugins.Catalog
	Plugins     PluginRunner
	ValidateKey KeyValidator
	// Models lists the model ids users may pick; empty allows any.
	Models []string
	Logger zerolog.Logger
}

// Service implements the chat commands independent of the platform. Adapters
// register Commands() and forward invocations to Run.
type Service struct {
	store    Store
	vault    Vault
	catalog  *plugins.Catalog
	plugins  PluginRunner
	validate KeyValidator
	models   map[string]bool
	logger   zerolog.Logger

	commands []Command
	byName   map[string]int
}

func NewService(cfg Config) *Service {
	s := &Service{
		store:    cfg.Store,
		vault:    cfg.Vault,
		catalog:  cfg.Catalog,
		plugins:  cfg.Plugins,
		validate: cfg.ValidateKey,
		models:   map[string]bool{},
		logger:   cfg.Logger.With().Str("component", "commands").Logger(),
	}
	for _, m := range cfg.Models {
		s.models[m] = true
	}
	s.commands = append(s.commands, s.channelCommands()...)
	s.commands = append(s.commands, s.userCommands()...)
	s.commands = append(s.commands, s.credentialCommands()...)
	s.commands = append(s.commands, s.pluginCommands()...)
	s.byName = make(map[string]int, len(s.commands))
	for i, c := range s.commands {
		s.byName[c.Name] = i
	}
	return s
}

func (s *Service) Commands() []Command {
	return append([]Command(nil), s.commands...)
}

// ChannelSettings exposes the effective settings for menus that render them.
func (s *Service) ChannelSettings(ctx context.Context, channelID string) (storage.ChannelSettings, error) {
	return s.store.ChannelSettings(ctx, channelID)
}

func (s *Service) PluginNames() []string {
	return s.catalog.Names()
}

func (s *Service) Lookup(name string) (Command, bool) {
	i, ok := s.byName[strings.ToLower(name)]
	if !ok {
		return Command{}, false
	}
	return s.commands[i], true
}

func (s *Service) Run(ctx context.Context, name string, inv Invocation) Reply {
	cmd, ok := s.Lookup(name)
	if !ok {
		return Reply{Text: "Unknown command. Use /help."}
	}
	if cmd.ChannelAdmin && !inv.IsDirect && !inv.IsAdmin {
		return Reply{Text: "Only administrators can change channel settings.", Private: true}
	}
	for _, o := range cmd.Options {
		if o.Required && inv.Arg(o.Name) == "" {
			return Reply{Text: "Usage: " + Usage(cmd), Private: cmd.Private}
		}
	}
	s.logger.Debug().Str("command", cmd.Name).Str("user_id", inv.UserID).Str("channel_id", inv.ChannelID).Msg("command")
	return Reply{Text: cmd.handler(ctx, inv), Private: cmd.Private}
}

// Help lists every command with its arguments.
func (s *Service) Help() string {
	lines := []string{"Commands:"}
	for _, c := range s.commands {
		lines = append(lines, Usage(c)+" - "+c.Description)
	}
	return strings.Join(lines, "\n")
}

func Usage(c Command) string {
	parts := []string{"/" + c.Name}
	for _, o := range c.Options {
		if o.Required {
			parts = append(parts, "<"+o.Name+">")
		} else {
			parts = append(parts, "["+o.Name+"]")
		}
	}
	return strings.Join(parts, " ")
}

// ParseText maps a text command remainder onto the command's options:
// one word per option, the Rest option takes everything left.
func ParseText(c Command, remainder string) map[string]string {
	args := map[string]string{}
	rest := strings.TrimSpace(remainder)
	for _, o := range c.Options {
		if rest == "" {
			break
		}
		if o.Rest {
			args[o.Name] = rest
			rest = ""
			break
		}
		var word string
		word, rest = splitFirstWord(rest)
		args[o.Name] = word
	}
	return args
}

func (s *Service) audit(ctx context.Context, inv Invocation, action string, meta map[string]any) {
	b, _ := json.Marshal(meta)
	err := s.store.LogAction(ctx, storage.AuditEntry{
		ChannelID: inv.ChannelID,
		UserID:    inv.UserID,
		Action:    action,
		MetaJSON:  string(b),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("audit log failed")
	}
}

func (s *Service) failed(err error, what string) string {
	s.logger.Error().Err(err).Msg(what + " failed")
	return "Failed to " + what + "."
}

func (s *Service) modelAllowed(model string) bool {
	return len(s.models) == 0 || s.models[model]
}

func (s *Service) modelList() string {
	out := make([]string, 0, len(s.models))
	for m := range s.models {
		out = append(out, m)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexAny(s, " \t\n")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

func parseSwitch(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "yes", "1", "enable", "enabled":
		return true, true
	case "off", "false", "no", "0", "disable", "disabled":
		return false, true
	default:
		return false, false
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
