package telegram

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/redis/go-redis/v9"

	"kittybot/internal/chunker"
	"kittybot/internal/commands"
	"kittybot/internal/orchestrator"
	"kittybot/internal/providers"
)

const deepLinkCommandPrefix = "cmd_"

func (s *Service) start(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	args := ctx.Args()
	if ctx.EffectiveChat.Type == "private" && len(args) > 1 && strings.HasPrefix(args[1], deepLinkCommandPrefix) {
		name := strings.TrimPrefix(args[1], deepLinkCommandPrefix)
		cmd, ok := s.commands.Lookup(name)
		if !ok {
			return s.reply(ctx, b, "Invalid deep-link payload.")
		}
		return s.beginWizard(ctx, b, cmd, map[string]string{})
	}
	return s.reply(ctx, b, s.commands.Help())
}

func (s *Service) cancelWizard(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveChat.Type != "private" {
		return nil
	}
	if err := s.wizard.Clear(s.ctx, ctx.EffectiveUser.Id); err != nil {
		return s.reply(ctx, b, "Failed to cancel right now.")
	}
	return s.reply(ctx, b, "Canceled.")
}

func (s *Service) onCommand(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	cmd, ok := s.commands.Lookup(commandName(msg.GetText()))
	if !ok {
		return nil
	}
	private := ctx.EffectiveChat.Type == "private"
	remainder := commandRemainder(msg.GetText())

	// Credentials are only accepted in private chats.
	if cmd.Private && !private {
		if strings.TrimSpace(remainder) != "" {
			if _, err := b.DeleteMessageWithContext(s.ctx, msg.Chat.Id, msg.MessageId, nil); err != nil {
				s.logger.Warn().Err(err).Int64("chat_id", msg.Chat.Id).Msg("failed to delete message with arguments")
			}
		}
		text := "Send /" + cmd.Name + " to me in a private chat."
		if link := s.deepLink(deepLinkCommandPrefix + cmd.Name); link != "" {
			text += "\n" + link
		}
		return s.reply(ctx, b, text)
	}

	args := commands.ParseText(cmd, remainder)
	if private && len(args) == 0 && missingRequired(cmd, args) {
		return s.beginWizard(ctx, b, cmd, args)
	}
	return s.runCommand(ctx, b, cmd, args)
}

func (s *Service) runCommand(ctx *ext.Context, b *gotgbot.Bot, cmd commands.Command, args map[string]string) error {
	inv := commands.Invocation{
		UserID:    strconv.FormatInt(ctx.EffectiveUser.Id, 10),
		ChannelID: channelKey(ctx.EffectiveChat.Id, topicOf(ctx.EffectiveMessage)),
		IsDirect:  ctx.EffectiveChat.Type == "private",
		Args:      args,
	}
	if cmd.ChannelAdmin && !inv.IsDirect {
		admin, err := s.isAdmin(s.ctx, b, ctx.EffectiveChat.Id, ctx.EffectiveUser.Id)
		if err != nil {
			s.logger.Error().Err(err).Int64("chat_id", ctx.EffectiveChat.Id).Int64("user_id", ctx.EffectiveUser.Id).Msg("admin check failed")
			return s.reply(ctx, b, "Failed to verify admin rights.")
		}
		inv.IsAdmin = admin
	}
	s.metrics.CommandsTotal.WithLabelValues(cmd.Name).Inc()
	reply := s.commands.Run(s.ctx, cmd.Name, inv)
	return s.reply(ctx, b, reply.Text)
}

func (s *Service) beginWizard(ctx *ext.Context, b *gotgbot.Bot, cmd commands.Command, args map[string]string) error {
	state := wizardState{Command: cmd.Name, Args: args}
	if err := s.wizard.Set(s.ctx, ctx.EffectiveUser.Id, state); err != nil {
		s.logger.Error().Err(err).Msg("failed to store wizard state")
		return s.reply(ctx, b, "Failed to start setup right now.")
	}
	return s.reply(ctx, b, wizardPrompt(cmd, 0))
}

// continueWizard consumes a private text message as the next argument of a
// pending command. It reports false when no wizard is active.
func (s *Service) continueWizard(ctx *ext.Context, b *gotgbot.Bot) (bool, error) {
	uid := ctx.EffectiveUser.Id
	state, err := s.wizard.Get(s.ctx, uid)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", uid).Msg("failed to load wizard state")
		return false, nil
	}
	if state == nil {
		return false, nil
	}
	cmd, ok := s.commands.Lookup(state.Command)
	if !ok || state.Next >= len(cmd.Options) {
		_ = s.wizard.Clear(s.ctx, uid)
		return false, nil
	}

	value := strings.TrimSpace(ctx.EffectiveMessage.GetText())
	opt := cmd.Options[state.Next]
	if state.Args == nil {
		state.Args = map[string]string{}
	}
	if value != "-" || opt.Required {
		state.Args[opt.Name] = value
	}
	state.Next++

	if state.Next < len(cmd.Options) {
		if err := s.wizard.Set(s.ctx, uid, *state); err != nil {
			return true, s.reply(ctx, b, "Failed to continue setup right now.")
		}
		return true, s.reply(ctx, b, wizardPrompt(cmd, state.Next))
	}
	if err := s.wizard.Clear(s.ctx, uid); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", uid).Msg("failed to clear wizard state")
	}
	return true, s.runCommand(ctx, b, cmd, state.Args)
}

func wizardPrompt(cmd commands.Command, i int) string {
	o := cmd.Options[i]
	text := fmt.Sprintf("/%s: send %s (%s).", cmd.Name, o.Name, o.Description)
	if !o.Required {
		text += " Send - to skip."
	}
	return text + " /cancel to stop."
}

func (s *Service) onText(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveUser.IsBot {
		return nil
	}
	if ctx.EffectiveChat.Type == "private" {
		if handled, err := s.continueWizard(ctx, b); handled {
			return err
		}
	}
	if s.handler == nil {
		return nil
	}

	in := s.inbound(msg, b.User.Id)
	if err := s.turns.Append(s.ctx, in.ChannelID, msg.MessageId, providers.RoleUser, in.Text); err != nil {
		s.logger.Warn().Err(err).Str("channel_id", in.ChannelID).Msg("failed to log turn")
	}
	s.handler.Handle(s.ctx, in)
	return nil
}

func (s *Service) inbound(msg *gotgbot.Message, botID int64) orchestrator.Inbound {
	topic := topicOf(msg)
	in := orchestrator.Inbound{
		MessageID: strconv.FormatInt(msg.MessageId, 10),
		ChannelID: channelKey(msg.Chat.Id, topic),
		IsDirect:  msg.Chat.Type == "private",
		Text:      msg.Text,
	}
	if msg.From != nil {
		in.AuthorID = strconv.FormatInt(msg.From.Id, 10)
	}
	if topic != 0 {
		in.InThread = true
		in.ParentChannelID = strconv.FormatInt(msg.Chat.Id, 10)
	}
	if s.botUsername != "" {
		mention := "@" + s.botUsername
		if stripped := replaceFold(in.Text, mention, ""); stripped != in.Text {
			in.MentionsBot = true
			in.Text = stripped
		}
	}
	if r := msg.ReplyToMessage; r != nil && r.From != nil && r.From.Id == botID {
		in.MentionsBot = true
	}
	in.Text = strings.TrimSpace(in.Text)
	in.StartThread = s.forumTopics && msg.Chat.IsForum && topic == 0 && !in.IsDirect
	return in
}

func (s *Service) isAdmin(ctx context.Context, b *gotgbot.Bot, chatID, userID int64) (bool, error) {
	cacheKey := fmt.Sprintf("kittybot:tg:admin:%d:%d", chatID, userID)
	if v, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
		return v == "1", nil
	} else if err != redis.Nil {
		s.logger.Warn().Err(err).Msg("failed to read admin cache")
	}

	member, err := b.GetChatMemberWithContext(ctx, chatID, userID, nil)
	if err != nil {
		return false, err
	}
	status := member.GetStatus()
	admin := status == "administrator" || status == "creator"

	value := "0"
	if admin {
		value = "1"
	}
	_ = s.redis.Set(ctx, cacheKey, value, s.adminCacheTTL).Err()
	return admin, nil
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{MessageThreadId: topicOf(ctx.EffectiveMessage)}
	for _, chunk := range chunker.Split(text, s.maxLength) {
		if _, err := b.SendMessageWithContext(s.ctx, ctx.EffectiveChat.Id, chunk, opts); err != nil {
			return err
		}
	}
	return nil
}

func missingRequired(cmd commands.Command, args map[string]string) bool {
	for _, o := range cmd.Options {
		if o.Required && strings.TrimSpace(args[o.Name]) == "" {
			return true
		}
	}
	return false
}

// commandName extracts "name" from "/name@bot args".
func commandName(text string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	first = strings.TrimPrefix(first, "/")
	name, _, _ := strings.Cut(first, "@")
	return strings.ToLower(name)
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func replaceFold(s, old, repl string) string {
	return regexp.MustCompile(`(?i)`+regexp.QuoteMeta(old)).ReplaceAllLiteralString(s, repl)
}
