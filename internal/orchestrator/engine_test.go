package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kittybot/internal/gateway"
	"kittybot/internal/metrics"
	"kittybot/internal/plugins"
	"kittybot/internal/providers"
	"kittybot/internal/queue"
	"kittybot/internal/storage"
)

type fakePlatform struct {
	mu        sync.Mutex
	next      int
	order     []string
	messages  map[string]string
	channels  map[string]string
	deleted   []string
	threads   []string
	reactions []string
	history   []providers.Message
	histReq   []int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{messages: map[string]string{}, channels: map[string]string{}}
}

func (f *fakePlatform) Send(ctx context.Context, channelID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("m%d", f.next)
	f.order = append(f.order, id)
	f.messages[id] = text
	f.channels[id] = channelID
	return id, nil
}

func (f *fakePlatform) Edit(ctx context.Context, channelID, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[messageID] = text
	return nil
}

func (f *fakePlatform) Delete(ctx context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	delete(f.messages, messageID)
	return nil
}

func (f *fakePlatform) StartThread(ctx context.Context, channelID, messageID, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads = append(f.threads, title)
	return "thread-" + messageID, nil
}

func (f *fakePlatform) RecentTurns(ctx context.Context, channelID, beforeID string, limit int) ([]providers.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histReq = append(f.histReq, limit)
	return append([]providers.Message(nil), f.history...), nil
}

func (f *fakePlatform) React(ctx context.Context, channelID, messageID string, r Reaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, fmt.Sprintf("+%d", r))
	return nil
}

func (f *fakePlatform) Unreact(ctx context.Context, channelID, messageID string, r Reaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, fmt.Sprintf("-%d", r))
	return nil
}

// sent returns message texts in send order, skipping deleted ones.
func (f *fakePlatform) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, id := range f.order {
		if t, ok := f.messages[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

type fakeSettings struct {
	mu       sync.Mutex
	channels map[string]storage.ChannelSettings
	users    map[string]storage.UserSettings
	usage    map[string]int64
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{
		channels: map[string]storage.ChannelSettings{},
		users:    map[string]storage.UserSettings{},
		usage:    map[string]int64{},
	}
}

func (f *fakeSettings) ChannelSettings(ctx context.Context, channelID string) (storage.ChannelSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cs, ok := f.channels[channelID]; ok {
		return cs, nil
	}
	return storage.ChannelSettings{Autorespond: true, HistoryDepth: 5, Plugins: []string{"Echo"}}, nil
}

func (f *fakeSettings) HasChannelSettings(ctx context.Context, channelID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.channels[channelID]
	return ok, nil
}

func (f *fakeSettings) UserSettings(ctx context.Context, userID string) (storage.UserSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[userID], nil
}

func (f *fakeSettings) MarkInformed(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	us := f.users[userID]
	us.Informed = true
	f.users[userID] = us
	return nil
}

func (f *fakeSettings) Usage(ctx context.Context, userID string) (storage.UsageTotals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return storage.UsageTotals{UserID: userID, MonthlyTokens: f.usage[userID]}, nil
}

type fakeCreds map[string]map[string]string

func (f fakeCreds) Get(ctx context.Context, userID, keyName string) (string, error) {
	return f[userID][keyName], nil
}

func (f fakeCreds) Lookup(ctx context.Context, userID string, keys []string) ([]string, bool, error) {
	var out []string
	for _, k := range keys {
		v := f[userID][k]
		if v == "" {
			return nil, false, nil
		}
		out = append(out, v)
	}
	return out, true, nil
}

type fakeModel struct {
	mu    sync.Mutex
	reqs  []gateway.Request
	reply func(ctx context.Context, req gateway.Request) gateway.Reply
}

func (f *fakeModel) Send(ctx context.Context, req gateway.Request) gateway.Reply {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	fn := f.reply
	f.mu.Unlock()
	return fn(ctx, req)
}

func (f *fakeModel) requests() []gateway.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.Request(nil), f.reqs...)
}

type passCompressor struct {
	mu  sync.Mutex
	got []providers.Message
}

func (p *passCompressor) Compress(ctx context.Context, turns []providers.Message, credential string) []providers.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = turns
	return turns
}

type staticComposer struct {
	mu     sync.Mutex
	usable []plugins.Entry
}

func (s *staticComposer) Compose(ctx context.Context, channelID string, cs storage.ChannelSettings, usable []plugins.Entry) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usable = usable
	return "SYSTEM"
}

type fakeUsage struct {
	mu     sync.Mutex
	events []queue.UsageEvent
}

func (f *fakeUsage) Publish(ctx context.Context, ev queue.UsageEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return "1-0", nil
}

type wordCounter struct{}

func (wordCounter) Count(model, text string) int { return len(strings.Fields(text)) }

type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, userID string, now time.Time) (bool, int64, time.Time, error) {
	return false, 61, time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC), nil
}

var echoEntry = plugins.Entry{
	Name:         "Echo",
	Signature:    "echo(text)",
	RequiredKeys: []string{"ECHO_KEY"},
	Execute: func(ctx context.Context, creds []string, a plugins.Args) ([]plugins.Result, error) {
		return []plugins.Result{{Title: a.String(0, "text", "")}}, nil
	},
	Format: func(rs []plugins.Result) string { return "ECHO " + rs[0].Title },
}

type harness struct {
	engine   *Engine
	platform *fakePlatform
	settings *fakeSettings
	model    *fakeModel
	comp     *passCompressor
	composer *staticComposer
	usage    *fakeUsage
}

func newHarness(t *testing.T, reply func(ctx context.Context, req gateway.Request) gateway.Reply, mod func(*Config)) *harness {
	t.Helper()
	creds := fakeCreds{"u1": {"OPENAI_API_KEY": "sk-test", "ECHO_KEY": "e"}}
	h := &harness{
		platform: newFakePlatform(),
		settings: newFakeSettings(),
		model:    &fakeModel{reply: reply},
		comp:     &passCompressor{},
		composer: &staticComposer{},
		usage:    &fakeUsage{},
	}
	cfg := Config{
		Platform:    h.platform,
		Settings:    h.settings,
		Credentials: creds,
		Catalog:     plugins.NewCatalog(echoEntry),
		Model:       h.model,
		Compressor:  h.comp,
		Composer:    h.composer,
		Dispatcher:  plugins.NewDispatcher(plugins.DispatcherConfig{Credentials: creds, Logger: zerolog.Nop(), Metrics: metrics.New()}),
		Counter:     wordCounter{},
		Usage:       h.usage,
		Logger:      zerolog.Nop(),
		Metrics:     metrics.New(),
	}
	if mod != nil {
		mod(&cfg)
	}
	h.engine = New(cfg)
	return h
}

func textReply(text string) func(context.Context, gateway.Request) gateway.Reply {
	return func(ctx context.Context, req gateway.Request) gateway.Reply {
		if req.Complete {
			return gateway.Reply{Text: "🐱 Cats explained", TokensUsed: 5}
		}
		return gateway.Reply{Text: text, TokensUsed: 42}
	}
}

func TestHandleDeliversIntoNewThread(t *testing.T) {
	h := newHarness(t, textReply(`Here: echo("kittens")`), nil)
	res := h.engine.Handle(context.Background(), Inbound{
		MessageID: "in1", AuthorID: "u1", ChannelID: "c1", StartThread: true, Text: "tell me about cats",
	})

	if res.Outcome != OutcomeDelivered || res.State != StateDelivered || res.RunID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(h.platform.threads) != 1 || h.platform.threads[0] != "🐱 Cats explained" {
		t.Fatalf("thread not titled: %v", h.platform.threads)
	}
	sent := h.platform.sent()
	if len(sent) != 1 || sent[0] != "Here: \nECHO kittens" {
		t.Fatalf("unexpected delivery %q", sent)
	}
	if h.platform.channels["m1"] != "thread-in1" {
		t.Fatalf("reply not sent into thread: %v", h.platform.channels)
	}

	reqs := h.model.requests()
	main := reqs[len(reqs)-1]
	if main.Model != "gpt-4" || main.Credential != "sk-test" || len(main.Turns) != 2 {
		t.Fatalf("unexpected model request %+v", main)
	}
	if main.Turns[0].Content != "SYSTEM" || main.Turns[1].Content != "tell me about cats" {
		t.Fatalf("unexpected turns %+v", main.Turns)
	}
	if len(h.composer.usable) != 1 {
		t.Fatalf("echo plugin must be usable")
	}
	if len(h.usage.events) != 1 || h.usage.events[0].Tokens != 42 || h.usage.events[0].RunID != res.RunID {
		t.Fatalf("usage not published: %+v", h.usage.events)
	}
	if got := strings.Join(h.platform.reactions, ","); got != "+0,-0,+1" {
		t.Fatalf("unexpected reactions %s", got)
	}
}

func TestHandleWithoutCredentialInformsOnce(t *testing.T) {
	h := newHarness(t, textReply("never"), nil)
	in := Inbound{MessageID: "in1", AuthorID: "stranger", ChannelID: "c1", Text: "hi"}

	if res := h.engine.Handle(context.Background(), in); res.Outcome != OutcomeAborted || res.State != StateReceived {
		t.Fatalf("unexpected result %+v", res)
	}
	if res := h.engine.Handle(context.Background(), in); res.Outcome != OutcomeAborted {
		t.Fatalf("unexpected result %+v", res)
	}
	sent := h.platform.sent()
	if len(sent) != 1 || sent[0] != NoKeyText {
		t.Fatalf("expected a single notice, got %q", sent)
	}
	if len(h.model.requests()) != 0 {
		t.Fatalf("model must not be called")
	}
}

type dmPlatform struct {
	*fakePlatform
	err    error
	direct []string
}

func (d *dmPlatform) SendDirect(ctx context.Context, userID, text string) error {
	if d.err != nil {
		return d.err
	}
	d.direct = append(d.direct, userID+": "+text)
	return nil
}

func TestHandleWithoutCredentialNotifiesPrivately(t *testing.T) {
	dm := &dmPlatform{fakePlatform: newFakePlatform()}
	h := newHarness(t, textReply("never"), func(c *Config) { c.Platform = dm })

	res := h.engine.Handle(context.Background(), Inbound{MessageID: "in1", AuthorID: "stranger", ChannelID: "c1", Text: "hi"})
	if res.Outcome != OutcomeAborted {
		t.Fatalf("unexpected result %+v", res)
	}
	if sent := dm.sent(); len(sent) != 0 {
		t.Fatalf("notice posted in channel: %q", sent)
	}
	if len(dm.direct) != 1 || dm.direct[0] != "stranger: "+NoKeyText {
		t.Fatalf("unexpected direct messages %q", dm.direct)
	}
}

func TestHandleWithoutCredentialFallsBackToChannel(t *testing.T) {
	dm := &dmPlatform{fakePlatform: newFakePlatform(), err: errors.New("dms closed")}
	h := newHarness(t, textReply("never"), func(c *Config) { c.Platform = dm })

	h.engine.Handle(context.Background(), Inbound{MessageID: "in1", AuthorID: "stranger", ChannelID: "c1", Text: "hi"})
	if sent := dm.sent(); len(sent) != 1 || sent[0] != NoKeyText {
		t.Fatalf("expected channel fallback, got %q", sent)
	}
}

func TestHandleIgnoresWhenAutorespondOff(t *testing.T) {
	h := newHarness(t, textReply("x"), nil)
	h.settings.channels["c1"] = storage.ChannelSettings{Autorespond: false}

	if res := h.engine.Handle(context.Background(), Inbound{AuthorID: "u1", ChannelID: "c1", Text: "hello"}); res.Outcome != OutcomeIgnored {
		t.Fatalf("expected ignored, got %+v", res)
	}
	if res := h.engine.Handle(context.Background(), Inbound{AuthorID: "u1", ChannelID: "c1", Text: "hello", MentionsBot: true}); res.Outcome != OutcomeDelivered {
		t.Fatalf("mention must trigger, got %+v", res)
	}
}

func TestHandleModelErrorIsDelivered(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req gateway.Request) gateway.Reply {
		err := fmt.Errorf("chat: %w", providers.ErrRateLimited)
		return gateway.Reply{Text: gateway.ErrorText(err), Err: err}
	}, nil)
	res := h.engine.Handle(context.Background(), Inbound{AuthorID: "u1", ChannelID: "c1", IsDirect: true, Text: "hi"})
	if res.Outcome != OutcomeDelivered {
		t.Fatalf("unexpected result %+v", res)
	}
	sent := h.platform.sent()
	if len(sent) != 1 || !strings.HasPrefix(sent[0], "Error occurred: ") {
		t.Fatalf("error text not delivered: %q", sent)
	}
	if len(h.usage.events) != 0 {
		t.Fatalf("failed call must not publish usage")
	}
}

func TestHandleBudgetReached(t *testing.T) {
	h := newHarness(t, textReply("x"), func(c *Config) { c.MonthlyTokenLimit = 100 })
	h.settings.usage["u1"] = 100
	res := h.engine.Handle(context.Background(), Inbound{AuthorID: "u1", ChannelID: "c1", Text: "hi"})
	if res.Outcome != OutcomeLimited {
		t.Fatalf("unexpected result %+v", res)
	}
	if sent := h.platform.sent(); len(sent) != 1 || sent[0] != BudgetText {
		t.Fatalf("unexpected messages %q", sent)
	}
}

func TestHandleHourlyLimit(t *testing.T) {
	h := newHarness(t, textReply("x"), func(c *Config) { c.Limiter = denyLimiter{} })
	res := h.engine.Handle(context.Background(), Inbound{AuthorID: "u1", ChannelID: "c1", Text: "hi"})
	if res.Outcome != OutcomeLimited {
		t.Fatalf("unexpected result %+v", res)
	}
	if sent := h.platform.sent(); len(sent) != 1 || !strings.Contains(sent[0], "11:00 UTC") {
		t.Fatalf("unexpected messages %q", sent)
	}
}

func TestHandleThreadUsesHistoryAndParentSettings(t *testing.T) {
	h := newHarness(t, textReply("ok then"), nil)
	h.settings.channels["parent"] = storage.ChannelSettings{Autorespond: true, HistoryDepth: 2, Model: "gpt-3.5-turbo"}
	h.platform.history = []providers.Message{
		{Role: providers.RoleUser, Content: "one"},
		{Role: providers.RoleAssistant, Content: "two"},
		{Role: providers.RoleUser, Content: "three"},
	}
	res := h.engine.Handle(context.Background(), Inbound{
		MessageID: "in9", AuthorID: "u1", ChannelID: "t1", ParentChannelID: "parent", InThread: true, Text: "four",
	})
	if res.Outcome != OutcomeDelivered {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(h.platform.histReq) != 1 || h.platform.histReq[0] != 15 {
		t.Fatalf("history fetch limit not applied: %v", h.platform.histReq)
	}
	if len(h.comp.got) != 2 || h.comp.got[0].Content != "two" {
		t.Fatalf("history depth not applied: %+v", h.comp.got)
	}
	reqs := h.model.requests()
	if reqs[0].Model != "gpt-3.5-turbo" || len(reqs[0].Turns) != 4 {
		t.Fatalf("parent settings or turns not used: %+v", reqs[0])
	}
	if len(h.composer.usable) != 0 {
		t.Fatalf("parent has no plugins enabled")
	}
}

func TestHandleStreamsAndRewritesPluginCalls(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req gateway.Request) gateway.Reply {
		ch := make(chan providers.Fragment, 3)
		ch <- providers.Fragment{Text: "Hello there.\n"}
		ch <- providers.Fragment{Text: `echo("hi`}
		ch <- providers.Fragment{Text: `")`}
		close(ch)
		return gateway.Reply{Fragments: ch}
	}, nil)

	res := h.engine.Handle(context.Background(), Inbound{AuthorID: "u1", ChannelID: "c1", IsDirect: true, Text: "greet me"})
	if res.Outcome != OutcomeDelivered {
		t.Fatalf("unexpected result %+v", res)
	}
	sent := h.platform.sent()
	if len(sent) != 1 {
		t.Fatalf("expected one message, got %q", sent)
	}
	if strings.Contains(sent[0], "echo(") || !strings.Contains(sent[0], "ECHO hi") || !strings.HasPrefix(sent[0], "Hello there.") {
		t.Fatalf("streamed message not rewritten: %q", sent[0])
	}
	if len(h.usage.events) != 1 || h.usage.events[0].Tokens <= 0 {
		t.Fatalf("stream usage not counted: %+v", h.usage.events)
	}
	if !reflect.DeepEqual(res.Delivered, sent) {
		t.Fatalf("Delivered = %q, platform shows %q", res.Delivered, sent)
	}
}

func TestHandleStreamReportsRenderedMessages(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req gateway.Request) gateway.Reply {
		ch := make(chan providers.Fragment, 2)
		ch <- providers.Fragment{Text: "```typescript\n" + strings.Repeat(strings.Repeat("y", 30)+"\n", 3)}
		ch <- providers.Fragment{Text: "const done = true"}
		close(ch)
		return gateway.Reply{Fragments: ch}
	}, func(c *Config) { c.MessageMaxLength = 40 })

	res := h.engine.Handle(context.Background(), Inbound{AuthorID: "u1", ChannelID: "c1", IsDirect: true, Text: "code please"})
	if res.Outcome != OutcomeDelivered {
		t.Fatalf("unexpected result %+v", res)
	}
	sent := h.platform.sent()
	if len(sent) < 2 {
		t.Fatalf("expected the reply to roll over, got %q", sent)
	}
	if !reflect.DeepEqual(res.Delivered, sent) {
		t.Fatalf("Delivered = %q, platform shows %q", res.Delivered, sent)
	}
}

func blockingModel(started chan<- struct{}) func(context.Context, gateway.Request) gateway.Reply {
	var once sync.Once
	return func(ctx context.Context, req gateway.Request) gateway.Reply {
		first := false
		once.Do(func() { first = true })
		if !first {
			return gateway.Reply{Text: "second answer", TokensUsed: 1}
		}
		close(started)
		<-ctx.Done()
		return gateway.Reply{Text: gateway.ErrorText(ctx.Err()), Err: ctx.Err()}
	}
}

func TestStopWordCancelsRun(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, blockingModel(started), nil)

	done := make(chan Result, 1)
	go func() {
		done <- h.engine.Handle(context.Background(), Inbound{AuthorID: "u1", ChannelID: "c1", Text: "long question"})
	}()
	<-started
	if !h.engine.InFlight("u1") {
		t.Fatalf("run must be in flight")
	}

	if res := h.engine.Handle(context.Background(), Inbound{AuthorID: "u1", ChannelID: "c1", Text: "Stop"}); res.Outcome != OutcomeStopped {
		t.Fatalf("unexpected stop result %+v", res)
	}
	select {
	case res := <-done:
		if res.Outcome != OutcomeCancelled {
			t.Fatalf("expected cancelled, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run not cancelled")
	}
	if len(h.platform.sent()) != 0 {
		t.Fatalf("cancelled run must not deliver: %q", h.platform.sent())
	}
	if h.engine.InFlight("u1") {
		t.Fatalf("no run must be left in flight")
	}
}

func TestNewerMessageSupersedesRun(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, blockingModel(started), nil)

	done := make(chan Result, 1)
	go func() {
		done <- h.engine.Handle(context.Background(), Inbound{AuthorID: "u1", ChannelID: "c1", Text: "first"})
	}()
	<-started

	res := h.engine.Handle(context.Background(), Inbound{AuthorID: "u1", ChannelID: "c1", Text: "second"})
	if res.Outcome != OutcomeDelivered {
		t.Fatalf("second run: %+v", res)
	}
	first := <-done
	if first.Outcome != OutcomeCancelled {
		t.Fatalf("first run: %+v", first)
	}
	if sent := h.platform.sent(); len(sent) != 1 || sent[0] != "second answer" {
		t.Fatalf("unexpected messages %q", sent)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 100); got != "short" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("é", 120)
	got := Truncate(long, 100)
	if len([]rune(got)) != 100 || !strings.HasSuffix(got, "...") {
		t.Fatalf("got %q", got)
	}
}

func TestErrNoCredentialIsSentinel(t *testing.T) {
	if !errors.Is(fmt.Errorf("wrap: %w", ErrNoCredential), ErrNoCredential) {
		t.Fatalf("sentinel must wrap")
	}
}
