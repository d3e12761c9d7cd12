package telegram

import (
	"context"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"kittybot/internal/commands"
	"kittybot/internal/orchestrator"
	"kittybot/internal/plugins"
	"kittybot/internal/providers"
	"kittybot/internal/storage"
)

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func TestChannelKeyRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		chat, topic int64
		key         string
	}{
		{-1001234, 0, "-1001234"},
		{-1001234, 42, "-1001234:42"},
	} {
		if got := channelKey(tc.chat, tc.topic); got != tc.key {
			t.Fatalf("channelKey(%d,%d) = %q", tc.chat, tc.topic, got)
		}
		chat, topic, err := parseChannel(tc.key)
		if err != nil || chat != tc.chat || topic != tc.topic {
			t.Fatalf("parseChannel(%q) = %d %d %v", tc.key, chat, topic, err)
		}
	}
	if _, _, err := parseChannel("general"); err == nil {
		t.Fatalf("expected error for non numeric channel")
	}
}

func TestTurnLogRecentAndTrim(t *testing.T) {
	ctx := context.Background()
	rdb, mr := newRedis(t)
	log := NewTurnLog(rdb, 3, time.Hour)

	for i := int64(1); i <= 5; i++ {
		role := providers.RoleUser
		if i%2 == 0 {
			role = providers.RoleAssistant
		}
		if err := log.Append(ctx, "100", i, role, "msg "+strconv.FormatInt(i, 10)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := log.Recent(ctx, "100", 5, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	want := []providers.Message{
		{Role: providers.RoleUser, Content: "msg 3"},
		{Role: providers.RoleAssistant, Content: "msg 4"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("recent = %+v, want %+v", got, want)
	}

	if err := log.Update(ctx, "100", 4, "msg 4 edited"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := log.Remove(ctx, "100", 3); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, _ = log.Recent(ctx, "100", 0, 1)
	if len(got) != 1 || got[0].Content != "msg 5" {
		t.Fatalf("latest = %+v", got)
	}
	got, _ = log.Recent(ctx, "100", 0, 10)
	if len(got) != 2 || got[0].Content != "msg 4 edited" {
		t.Fatalf("after edit and remove = %+v", got)
	}

	if ttl := mr.TTL(log.orderKey("100")); ttl != time.Hour {
		t.Fatalf("ttl = %v", ttl)
	}
	if err := log.Update(ctx, "100", 99, "ghost"); err != nil {
		t.Fatalf("update of unknown id: %v", err)
	}
}

func TestInboundMentionsAndTopics(t *testing.T) {
	s := &Service{botUsername: "kitty_bot", forumTopics: true}

	msg := &gotgbot.Message{
		MessageId: 7,
		Chat:      gotgbot.Chat{Id: -100, Type: "supergroup", IsForum: true},
		From:      &gotgbot.User{Id: 5},
		Text:      "@Kitty_Bot what is a cat?",
	}
	got := s.inbound(msg, 1)
	want := orchestrator.Inbound{
		MessageID:   "7",
		AuthorID:    "5",
		ChannelID:   "-100",
		MentionsBot: true,
		StartThread: true,
		Text:        "what is a cat?",
	}
	if got != want {
		t.Fatalf("inbound = %+v, want %+v", got, want)
	}

	msg.IsTopicMessage = true
	msg.MessageThreadId = 42
	msg.Text = "and dogs?"
	msg.ReplyToMessage = &gotgbot.Message{From: &gotgbot.User{Id: 1}}
	got = s.inbound(msg, 1)
	if !got.InThread || got.ParentChannelID != "-100" || got.ChannelID != "-100:42" || got.StartThread || !got.MentionsBot {
		t.Fatalf("topic inbound = %+v", got)
	}

	dm := &gotgbot.Message{MessageId: 3, Chat: gotgbot.Chat{Id: 5, Type: "private"}, From: &gotgbot.User{Id: 5}, Text: "hello"}
	got = s.inbound(dm, 1)
	if !got.IsDirect || got.StartThread || got.MentionsBot || got.ChannelID != "5" {
		t.Fatalf("dm inbound = %+v", got)
	}
}

func TestCommandText(t *testing.T) {
	if got := commandName("/set_creativity@kitty_bot 1.5"); got != "set_creativity" {
		t.Fatalf("commandName = %q", got)
	}
	if got := commandRemainder("/set_system_prompt Be brief. Use emoji."); got != "Be brief. Use emoji." {
		t.Fatalf("commandRemainder = %q", got)
	}
	if got := commandRemainder("/help"); got != "" {
		t.Fatalf("commandRemainder = %q", got)
	}
}

func testCommands() *commands.Service {
	return commands.NewService(commands.Config{Catalog: plugins.Default(nil), Logger: zerolog.Nop()})
}

func TestCallbackCommand(t *testing.T) {
	s := &Service{commands: testCommands()}

	name, args, ok := s.callbackCommand(cbAutoOff)
	if !ok || name != "set_channel_autorespond" || args["value"] != "off" {
		t.Fatalf("auto: %q %v %v", name, args, ok)
	}
	name, args, ok = s.callbackCommand(cbPluginPref + "2:on")
	if !ok || name != "plugin" || args["action"] != "activate" || args["name"] != "YouTube" {
		t.Fatalf("plugin: %q %v %v", name, args, ok)
	}
	if name, _, ok := s.callbackCommand(cbMenu); !ok || name != "" {
		t.Fatalf("menu refresh: %q %v", name, ok)
	}
	if _, _, ok := s.callbackCommand(cbPluginPref + "9:on"); ok {
		t.Fatalf("out of range plugin accepted")
	}
	if _, _, ok := s.callbackCommand("kb:nope"); ok {
		t.Fatalf("unknown data accepted")
	}
}

func TestMenuKeyboardReflectsSettings(t *testing.T) {
	s := &Service{commands: testCommands()}
	kb := s.menuKeyboard(storageSettings(true, []string{"YouTube"}))
	if kb.InlineKeyboard[0][0].Text != "Autorespond: on" || kb.InlineKeyboard[0][0].CallbackData != cbAutoOff {
		t.Fatalf("autorespond button: %+v", kb.InlineKeyboard[0][0])
	}
	yt := kb.InlineKeyboard[3][0]
	if yt.Text != "☑ YouTube" || yt.CallbackData != cbPluginPref+"2:off" {
		t.Fatalf("youtube button: %+v", yt)
	}
	if first := kb.InlineKeyboard[1][0]; first.Text != "☐ Google Search" {
		t.Fatalf("search button: %+v", first)
	}
}

func TestWizardPromptAndState(t *testing.T) {
	ctx := context.Background()
	rdb, _ := newRedis(t)
	w := newWizardStore(rdb, time.Minute)

	if st, err := w.Get(ctx, 5); err != nil || st != nil {
		t.Fatalf("empty wizard: %+v %v", st, err)
	}
	if err := w.Set(ctx, 5, wizardState{Command: "setup_plugin_google", Args: map[string]string{"api_key": "k"}, Next: 1}); err != nil {
		t.Fatalf("set: %v", err)
	}
	st, err := w.Get(ctx, 5)
	if err != nil || st.Command != "setup_plugin_google" || st.Next != 1 || st.Args["api_key"] != "k" {
		t.Fatalf("get: %+v %v", st, err)
	}
	if err := w.Clear(ctx, 5); err != nil {
		t.Fatalf("clear: %v", err)
	}

	cmd, _ := testCommands().Lookup("setup_llm_openai")
	if got := wizardPrompt(cmd, 1); got != "/setup_llm_openai: send model (model to use, optional). Send - to skip. /cancel to stop." {
		t.Fatalf("prompt = %q", got)
	}
}

func storageSettings(autorespond bool, enabled []string) storage.ChannelSettings {
	return storage.ChannelSettings{Autorespond: autorespond, Plugins: enabled}
}
