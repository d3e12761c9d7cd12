package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"kittybot/internal/orchestrator"
	"kittybot/internal/providers"
)

const (
	// Telegram only accepts reactions from a fixed emoji set.
	emojiThinking = "🤔"
	emojiDone     = "👌"

	topicNameMax = 128
)

// channelKey names a chat, or one forum topic of it, as "chat" or
// "chat:topic".
func channelKey(chatID, topicID int64) string {
	if topicID == 0 {
		return strconv.FormatInt(chatID, 10)
	}
	return strconv.FormatInt(chatID, 10) + ":" + strconv.FormatInt(topicID, 10)
}

func parseChannel(key string) (chatID, topicID int64, err error) {
	chat, topic, hasTopic := strings.Cut(key, ":")
	chatID, err = strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid telegram channel %q: %w", key, err)
	}
	if hasTopic {
		topicID, err = strconv.ParseInt(topic, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid telegram topic %q: %w", key, err)
		}
	}
	return chatID, topicID, nil
}

func parseMessageID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram message id %q: %w", id, err)
	}
	return n, nil
}

func topicOf(msg *gotgbot.Message) int64 {
	if msg == nil || !msg.IsTopicMessage {
		return 0
	}
	return msg.MessageThreadId
}

func (s *Service) Send(ctx context.Context, channelID, text string) (string, error) {
	chatID, topicID, err := parseChannel(channelID)
	if err != nil {
		return "", err
	}
	msg, err := s.bot.SendMessageWithContext(ctx, chatID, text, &gotgbot.SendMessageOpts{MessageThreadId: topicID})
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	if err := s.turns.Append(ctx, channelID, msg.MessageId, providers.RoleAssistant, text); err != nil {
		s.logger.Warn().Err(err).Str("channel_id", channelID).Msg("failed to log turn")
	}
	return strconv.FormatInt(msg.MessageId, 10), nil
}

var _ orchestrator.DirectMessenger = (*Service)(nil)

// SendDirect writes to the user's private chat, which shares the user's id.
// It fails for users who never opened a chat with the bot.
func (s *Service) SendDirect(ctx context.Context, userID, text string) error {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram user %q: %w", userID, err)
	}
	if _, err := s.bot.SendMessageWithContext(ctx, id, text, nil); err != nil {
		return fmt.Errorf("telegram send dm: %w", err)
	}
	return nil
}

func (s *Service) Edit(ctx context.Context, channelID, messageID, text string) error {
	chatID, _, err := parseChannel(channelID)
	if err != nil {
		return err
	}
	id, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	_, _, err = s.bot.EditMessageTextWithContext(ctx, text, &gotgbot.EditMessageTextOpts{ChatId: chatID, MessageId: id})
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
		return fmt.Errorf("telegram edit: %w", err)
	}
	if err := s.turns.Update(ctx, channelID, id, text); err != nil {
		s.logger.Warn().Err(err).Str("channel_id", channelID).Msg("failed to update logged turn")
	}
	return nil
}

func (s *Service) Delete(ctx context.Context, channelID, messageID string) error {
	chatID, _, err := parseChannel(channelID)
	if err != nil {
		return err
	}
	id, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	if _, err := s.bot.DeleteMessageWithContext(ctx, chatID, id, nil); err != nil {
		return fmt.Errorf("telegram delete: %w", err)
	}
	return s.turns.Remove(ctx, channelID, id)
}

// StartThread opens a forum topic named after the question. The question
// itself stays where it was asked, so it is copied into the new topic's log.
func (s *Service) StartThread(ctx context.Context, channelID, messageID, title string) (string, error) {
	chatID, _, err := parseChannel(channelID)
	if err != nil {
		return "", err
	}
	topic, err := s.bot.CreateForumTopicWithContext(ctx, chatID, orchestrator.Truncate(title, topicNameMax), nil)
	if err != nil {
		return "", fmt.Errorf("telegram create topic: %w", err)
	}
	threadID := channelKey(chatID, topic.MessageThreadId)
	if id, err := parseMessageID(messageID); err == nil {
		if turns, err := s.turns.Recent(ctx, channelID, id+1, 1); err == nil && len(turns) == 1 {
			_ = s.turns.Append(ctx, threadID, id, turns[0].Role, turns[0].Content)
		}
	}
	return threadID, nil
}

func (s *Service) RecentTurns(ctx context.Context, channelID, beforeID string, limit int) ([]providers.Message, error) {
	id, err := parseMessageID(beforeID)
	if err != nil {
		return nil, err
	}
	return s.turns.Recent(ctx, channelID, id, limit)
}

func (s *Service) React(ctx context.Context, channelID, messageID string, r orchestrator.Reaction) error {
	e := emojiThinking
	if r == orchestrator.ReactionDone {
		e = emojiDone
	}
	return s.setReaction(ctx, channelID, messageID, []gotgbot.ReactionType{gotgbot.ReactionTypeEmoji{Emoji: e}})
}

// Unreact clears the bot's reaction; a bot holds at most one per message.
func (s *Service) Unreact(ctx context.Context, channelID, messageID string, _ orchestrator.Reaction) error {
	return s.setReaction(ctx, channelID, messageID, nil)
}

func (s *Service) setReaction(ctx context.Context, channelID, messageID string, reaction []gotgbot.ReactionType) error {
	chatID, _, err := parseChannel(channelID)
	if err != nil {
		return err
	}
	id, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	_, err = s.bot.SetMessageReactionWithContext(ctx, chatID, id, &gotgbot.SetMessageReactionOpts{Reaction: reaction})
	return err
}
