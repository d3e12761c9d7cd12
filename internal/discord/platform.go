package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"kittybot/internal/orchestrator"
	"kittybot/internal/providers"
)

const (
	emojiThinking = "💭"
	emojiDone     = "✅"

	// Minutes of inactivity before Discord archives a thread.
	threadArchiveMinutes = 1440
	// Discord caps thread names at 100 characters.
	threadNameMax = 100
	// ChannelMessages returns at most 100 messages per call.
	historyPageMax = 100
)

func (b *Bot) Send(ctx context.Context, channelID, text string) (string, error) {
	msg, err := b.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord send: %w", err)
	}
	return msg.ID, nil
}

var _ orchestrator.DirectMessenger = (*Bot)(nil)

func (b *Bot) SendDirect(ctx context.Context, userID, text string) error {
	ch, err := b.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord open dm: %w", err)
	}
	if _, err := b.session.ChannelMessageSend(ch.ID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send dm: %w", err)
	}
	return nil
}

func (b *Bot) Edit(ctx context.Context, channelID, messageID, text string) error {
	if _, err := b.session.ChannelMessageEdit(channelID, messageID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord edit: %w", err)
	}
	return nil
}

func (b *Bot) Delete(ctx context.Context, channelID, messageID string) error {
	if err := b.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord delete: %w", err)
	}
	return nil
}

func (b *Bot) StartThread(ctx context.Context, channelID, messageID, title string) (string, error) {
	ch, err := b.session.MessageThreadStart(channelID, messageID, orchestrator.Truncate(title, threadNameMax), threadArchiveMinutes, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord start thread: %w", err)
	}
	return ch.ID, nil
}

func (b *Bot) RecentTurns(ctx context.Context, channelID, beforeID string, limit int) ([]providers.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit > historyPageMax {
		limit = historyPageMax
	}
	msgs, err := b.session.ChannelMessages(channelID, limit, beforeID, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord history: %w", err)
	}
	return turns(msgs, b.botID), nil
}

func (b *Bot) React(ctx context.Context, channelID, messageID string, r orchestrator.Reaction) error {
	return b.session.MessageReactionAdd(channelID, messageID, emoji(r), discordgo.WithContext(ctx))
}

func (b *Bot) Unreact(ctx context.Context, channelID, messageID string, r orchestrator.Reaction) error {
	return b.session.MessageReactionRemove(channelID, messageID, emoji(r), "@me", discordgo.WithContext(ctx))
}

func emoji(r orchestrator.Reaction) string {
	if r == orchestrator.ReactionDone {
		return emojiDone
	}
	return emojiThinking
}

// turns converts a newest-first page of messages to oldest-first turns. The
// starter message of a thread stands in for the message it references.
func turns(msgs []*discordgo.Message, botID string) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil {
			continue
		}
		if m.Type == discordgo.MessageTypeThreadStarterMessage && m.ReferencedMessage != nil {
			m = m.ReferencedMessage
		}
		text := stripMention(m.Content, botID)
		if text == "" || m.Author == nil {
			continue
		}
		role := providers.RoleUser
		if m.Author.Bot || m.Author.ID == botID {
			role = providers.RoleAssistant
		}
		out = append(out, providers.Message{Role: role, Content: text})
	}
	return out
}
