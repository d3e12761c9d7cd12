package telegram

import (
	"errors"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"kittybot/internal/commands"
	"kittybot/internal/storage"
)

var errNoChat = errors.New("callback without chat")

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil || ctx.EffectiveUser == nil {
		return nil
	}
	chatID, ok := callbackChatID(ctx)
	if !ok {
		s.answerCallback(b, ctx, "Chat is unavailable for this action.", true)
		return nil
	}
	channel := channelKey(chatID, topicOf(ctx.EffectiveMessage))

	name, args, ok := s.callbackCommand(strings.TrimSpace(ctx.CallbackQuery.Data))
	if !ok {
		s.answerCallback(b, ctx, "Unknown action.", true)
		return nil
	}

	toast := ""
	if name != "" {
		inv := s.readInvocation(ctx, channel)
		inv.Args = args
		if !inv.IsDirect {
			admin, err := s.isAdmin(s.ctx, b, chatID, ctx.EffectiveUser.Id)
			if err != nil {
				s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("admin check failed")
				s.answerCallback(b, ctx, "Failed to verify admin rights.", true)
				return nil
			}
			inv.IsAdmin = admin
		}
		s.metrics.CommandsTotal.WithLabelValues(name).Inc()
		toast = s.commands.Run(s.ctx, name, inv).Text
	}
	s.answerCallback(b, ctx, toast, false)

	text, markup, err := s.menuContent(ctx)
	if err != nil {
		return nil
	}
	return s.editCallbackMessage(ctx, b, text, markup)
}

// callbackCommand maps button data to a command invocation. An empty name
// only refreshes the menu.
func (s *Service) callbackCommand(data string) (string, map[string]string, bool) {
	switch data {
	case cbMenu:
		return "", nil, true
	case cbAutoOn, cbAutoOff:
		return "set_channel_autorespond", map[string]string{"value": strings.TrimPrefix(data, cbPrefix+"auto:")}, true
	case cbDebugOn, cbDebugOff:
		return "set_debug", map[string]string{"value": strings.TrimPrefix(data, cbPrefix+"debug:")}, true
	}
	if !strings.HasPrefix(data, cbPluginPref) {
		return "", nil, false
	}
	idx, action, ok := strings.Cut(strings.TrimPrefix(data, cbPluginPref), ":")
	if !ok {
		return "", nil, false
	}
	i, err := strconv.Atoi(idx)
	names := s.pluginNames()
	if err != nil || i < 0 || i >= len(names) {
		return "", nil, false
	}
	verb := "deactivate"
	if action == "on" {
		verb = "activate"
	}
	return "plugin", map[string]string{"action": verb, "name": names[i]}, true
}

func (s *Service) readInvocation(ctx *ext.Context, channel string) commands.Invocation {
	inv := commands.Invocation{ChannelID: channel}
	if ctx.EffectiveUser != nil {
		inv.UserID = strconv.FormatInt(ctx.EffectiveUser.Id, 10)
	}
	if ctx.EffectiveChat != nil {
		inv.IsDirect = ctx.EffectiveChat.Type == "private"
	}
	return inv
}

func (s *Service) channelSettings(channel string) (storage.ChannelSettings, error) {
	return s.commands.ChannelSettings(s.ctx, channel)
}

func (s *Service) pluginNames() []string {
	return s.commands.PluginNames()
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQueryWithContext(s.ctx, ctx.CallbackQuery.Id, opts)
}

func (s *Service) editCallbackMessage(ctx *ext.Context, b *gotgbot.Bot, text string, markup gotgbot.InlineKeyboardMarkup) error {
	if ctx.CallbackQuery.Message == nil {
		return nil
	}
	_, _, err := ctx.CallbackQuery.Message.EditText(b, text, &gotgbot.EditMessageTextOpts{ReplyMarkup: markup})
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
		return nil
	}
	return err
}

func callbackChatID(ctx *ext.Context) (int64, bool) {
	if ctx != nil && ctx.EffectiveChat != nil {
		return ctx.EffectiveChat.Id, true
	}
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		chat := ctx.CallbackQuery.Message.GetChat()
		return chat.Id, true
	}
	return 0, false
}
