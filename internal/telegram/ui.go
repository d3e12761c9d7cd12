package telegram

import (
	"strconv"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"kittybot/internal/storage"
)

const (
	cbPrefix = "kb:"

	cbMenu       = cbPrefix + "menu"
	cbAutoOn     = cbPrefix + "auto:on"
	cbAutoOff    = cbPrefix + "auto:off"
	cbDebugOn    = cbPrefix + "debug:on"
	cbDebugOff   = cbPrefix + "debug:off"
	cbPluginPref = cbPrefix + "plugin:"
)

func (s *Service) menu(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	text, markup, err := s.menuContent(ctx)
	if err != nil {
		return s.reply(ctx, b, "Failed to load channel settings.")
	}
	opts := &gotgbot.SendMessageOpts{MessageThreadId: topicOf(ctx.EffectiveMessage), ReplyMarkup: markup}
	_, err = b.SendMessageWithContext(s.ctx, ctx.EffectiveChat.Id, text, opts)
	return err
}

func (s *Service) menuContent(ctx *ext.Context) (string, gotgbot.InlineKeyboardMarkup, error) {
	chatID, ok := callbackChatID(ctx)
	if !ok {
		return "", gotgbot.InlineKeyboardMarkup{}, errNoChat
	}
	channel := channelKey(chatID, topicOf(ctx.EffectiveMessage))
	reply := s.commands.Run(s.ctx, "get_channel_settings", s.readInvocation(ctx, channel))
	cs, err := s.channelSettings(channel)
	if err != nil {
		return "", gotgbot.InlineKeyboardMarkup{}, err
	}
	return reply.Text, s.menuKeyboard(cs), nil
}

func (s *Service) menuKeyboard(cs storage.ChannelSettings) gotgbot.InlineKeyboardMarkup {
	auto := gotgbot.InlineKeyboardButton{Text: "Autorespond: off", CallbackData: cbAutoOn}
	if cs.Autorespond {
		auto = gotgbot.InlineKeyboardButton{Text: "Autorespond: on", CallbackData: cbAutoOff}
	}
	debug := gotgbot.InlineKeyboardButton{Text: "Debug: off", CallbackData: cbDebugOn}
	if cs.Debug {
		debug = gotgbot.InlineKeyboardButton{Text: "Debug: on", CallbackData: cbDebugOff}
	}
	rows := [][]gotgbot.InlineKeyboardButton{{auto, debug}}

	enabled := map[string]bool{}
	for _, n := range cs.Plugins {
		enabled[n] = true
	}
	for i, name := range s.pluginNames() {
		label := "☐ " + name
		action := "on"
		if enabled[name] {
			label = "☑ " + name
			action = "off"
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{{
			Text:         label,
			CallbackData: cbPluginPref + strconv.Itoa(i) + ":" + action,
		}})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: "Refresh", CallbackData: cbMenu}})
	return gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}
