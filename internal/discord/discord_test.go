package discord

import (
	"reflect"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"

	"kittybot/internal/commands"
	"kittybot/internal/orchestrator"
	"kittybot/internal/providers"
)

func TestInboundFromGuildTextChannel(t *testing.T) {
	m := &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "<@bot> what are cats?",
		Author:    &discordgo.User{ID: "u1"},
		Mentions:  []*discordgo.User{{ID: "bot"}},
	}
	got := inbound(m, &discordgo.Channel{ID: "c1", Type: discordgo.ChannelTypeGuildText}, "bot")
	want := orchestrator.Inbound{
		MessageID:   "m1",
		AuthorID:    "u1",
		ChannelID:   "c1",
		MentionsBot: true,
		StartThread: true,
		Text:        "what are cats?",
	}
	if got != want {
		t.Fatalf("inbound = %+v, want %+v", got, want)
	}
}

func TestInboundFromThreadAndDM(t *testing.T) {
	m := &discordgo.Message{ID: "m2", ChannelID: "t1", GuildID: "g1", Content: "more please", Author: &discordgo.User{ID: "u1"}}
	got := inbound(m, &discordgo.Channel{ID: "t1", ParentID: "c1", Type: discordgo.ChannelTypeGuildPublicThread}, "bot")
	if !got.InThread || got.ParentChannelID != "c1" || got.StartThread || got.IsDirect || got.MentionsBot {
		t.Fatalf("unexpected thread inbound: %+v", got)
	}

	dm := &discordgo.Message{ID: "m3", ChannelID: "d1", Content: "hi <@!bot>", Author: &discordgo.User{ID: "u1"}}
	got = inbound(dm, &discordgo.Channel{ID: "d1", Type: discordgo.ChannelTypeDM}, "bot")
	if !got.IsDirect || got.StartThread || got.InThread || got.Text != "hi" {
		t.Fatalf("unexpected dm inbound: %+v", got)
	}

	got = inbound(dm, nil, "bot")
	if got.StartThread || got.InThread {
		t.Fatalf("unknown channel must not start threads: %+v", got)
	}
}

func TestTurnsOldestFirstWithRoles(t *testing.T) {
	starter := &discordgo.Message{Content: "<@bot> tell me about cats", Author: &discordgo.User{ID: "u1"}}
	page := []*discordgo.Message{
		{Content: "and dogs?", Author: &discordgo.User{ID: "u1"}},
		{Content: "Cats are small.", Author: &discordgo.User{ID: "bot", Bot: true}},
		{Content: "", Author: &discordgo.User{ID: "u2"}},
		{Type: discordgo.MessageTypeThreadStarterMessage, ReferencedMessage: starter, Author: &discordgo.User{ID: "u1"}},
	}
	got := turns(page, "bot")
	want := []providers.Message{
		{Role: providers.RoleUser, Content: "tell me about cats"},
		{Role: providers.RoleAssistant, Content: "Cats are small."},
		{Role: providers.RoleUser, Content: "and dogs?"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("turns = %+v, want %+v", got, want)
	}
}

func TestApplicationCommands(t *testing.T) {
	long := strings.Repeat("x", 150)
	got := applicationCommands([]commands.Command{{
		Name:        "setup_llm_openai",
		Description: long,
		Options: []commands.Option{
			{Name: "api_key", Description: "key", Required: true},
			{Name: "model", Description: "model"},
		},
	}})
	if len(got) != 1 || got[0].Name != "setup_llm_openai" || len([]rune(got[0].Description)) != descriptionMax {
		t.Fatalf("unexpected command: %+v", got)
	}
	if len(got[0].Options) != 2 || !got[0].Options[0].Required || got[0].Options[1].Required {
		t.Fatalf("unexpected options: %+v", got[0].Options)
	}
	if got[0].Options[0].Type != discordgo.ApplicationCommandOptionString {
		t.Fatalf("options must be strings")
	}
}

func TestInvocationAdminAndArgs(t *testing.T) {
	i := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		ChannelID: "c1",
		GuildID:   "g1",
		Member:    &discordgo.Member{User: &discordgo.User{ID: "u1"}, Permissions: discordgo.PermissionManageChannels},
	}}
	data := discordgo.ApplicationCommandInteractionData{
		Name:    "set_creativity",
		Options: []*discordgo.ApplicationCommandInteractionDataOption{{Name: "value", Type: discordgo.ApplicationCommandOptionString, Value: "1.5"}},
	}
	inv := invocation(i, data)
	if inv.UserID != "u1" || !inv.IsAdmin || inv.IsDirect || inv.Args["value"] != "1.5" {
		t.Fatalf("unexpected invocation: %+v", inv)
	}

	dm := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{ChannelID: "d1", User: &discordgo.User{ID: "u2"}}}
	inv = invocation(dm, discordgo.ApplicationCommandInteractionData{Name: "help"})
	if inv.UserID != "u2" || inv.IsAdmin || !inv.IsDirect {
		t.Fatalf("unexpected dm invocation: %+v", inv)
	}
	if isAdmin(discordgo.PermissionSendMessages) {
		t.Fatalf("send messages is not admin")
	}
}

func TestEmoji(t *testing.T) {
	if emoji(orchestrator.ReactionThinking) != emojiThinking || emoji(orchestrator.ReactionDone) != emojiDone {
		t.Fatalf("unexpected emoji mapping")
	}
}
