package orchestrator

import (
	"context"

	"kittybot/internal/chunker"
	"kittybot/internal/providers"
)

type Reaction int

const (
	ReactionThinking Reaction = iota
	ReactionDone
)

// Inbound is a chat message as the platform adapters hand it over.
type Inbound struct {
	MessageID string
	AuthorID  string
	ChannelID string
	// ParentChannelID is set for messages inside a thread.
	ParentChannelID string
	InThread        bool
	IsDirect        bool
	MentionsBot     bool
	// StartThread asks for the reply to go into a new thread opened on the
	// message. Adapters set it for top-level messages in guild text channels.
	StartThread bool
	Text        string
}

// Platform is the chat surface a run delivers to. Message ids are opaque.
type Platform interface {
	Send(ctx context.Context, channelID, text string) (messageID string, err error)
	Edit(ctx context.Context, channelID, messageID, text string) error
	Delete(ctx context.Context, channelID, messageID string) error
	StartThread(ctx context.Context, channelID, messageID, title string) (threadID string, err error)
	// RecentTurns returns up to limit messages before beforeID, oldest first,
	// with bot-authored messages as assistant turns.
	RecentTurns(ctx context.Context, channelID, beforeID string, limit int) ([]providers.Message, error)
	React(ctx context.Context, channelID, messageID string, r Reaction) error
	Unreact(ctx context.Context, channelID, messageID string, r Reaction) error
}

// DirectMessenger is implemented by platforms that can message a user
// privately.
type DirectMessenger interface {
	SendDirect(ctx context.Context, userID, text string) error
}

// sink binds a platform to one destination channel for chunk delivery.
type sink struct {
	p         Platform
	channelID string
}

var (
	_ chunker.Editor  = sink{}
	_ chunker.Deleter = sink{}
)

func (s sink) Send(ctx context.Context, text string) (string, error) {
	return s.p.Send(ctx, s.channelID, text)
}

func (s sink) Edit(ctx context.Context, handle, text string) error {
	return s.p.Edit(ctx, s.channelID, handle, text)
}

func (s sink) Delete(ctx context.Context, handle string) error {
	return s.p.Delete(ctx, s.channelID, handle)
}
