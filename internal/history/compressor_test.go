package history

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"kittybot/internal/gateway"
	"kittybot/internal/providers"
)

type fakeModel struct {
	reply gateway.Reply
	reqs  []gateway.Request
}

func (f *fakeModel) Send(ctx context.Context, req gateway.Request) gateway.Reply {
	f.reqs = append(f.reqs, req)
	return f.reply
}

// wordCounter counts whitespace separated words.
type wordCounter struct{}

func (wordCounter) Count(model, text string) int { return len(strings.Fields(text)) }

func newCompressor(m Model, budget int) *Compressor {
	return NewCompressor(Config{Model: m, Counter: wordCounter{}, MaxTokensToSummarize: budget, Logger: zerolog.Nop()})
}

func msg(role providers.Role, content string) providers.Message {
	return providers.Message{Role: role, Content: content}
}

func TestCompressSingleAndEmpty(t *testing.T) {
	m := &fakeModel{}
	c := newCompressor(m, 100)
	if got := c.Compress(context.Background(), nil, "key"); len(got) != 0 {
		t.Fatalf("empty input changed: %v", got)
	}
	one := []providers.Message{msg(providers.RoleUser, "hi")}
	if got := c.Compress(context.Background(), one, "key"); len(got) != 1 || got[0] != one[0] {
		t.Fatalf("single turn changed: %v", got)
	}
	if len(m.reqs) != 0 {
		t.Fatalf("no summary call expected")
	}
}

func TestCompressWithoutCredentialPassesThrough(t *testing.T) {
	turns := []providers.Message{msg(providers.RoleUser, "a"), msg(providers.RoleAssistant, "b"), msg(providers.RoleUser, "c")}
	got := newCompressor(&fakeModel{}, 100).Compress(context.Background(), turns, "")
	if len(got) != 3 {
		t.Fatalf("expected passthrough, got %v", got)
	}
}

func TestCompressSummarizesOlderTurns(t *testing.T) {
	m := &fakeModel{reply: gateway.Reply{Text: " talked about cats ", TokensUsed: 4}}
	c := newCompressor(m, 100)
	turns := []providers.Message{
		msg(providers.RoleUser, "tell me about cats"),
		msg(providers.RoleAssistant, "see https://www.example.com/cats?a=1 for more"),
		msg(providers.RoleUser, "and dogs?"),
	}
	got := c.Compress(context.Background(), turns, "key")

	if len(got) != 2 || got[0].Role != providers.RoleAssistant || got[0].Content != "talked about cats" || got[1] != turns[2] {
		t.Fatalf("unexpected result %v", got)
	}
	if len(m.reqs) != 1 {
		t.Fatalf("expected one summary call, got %d", len(m.reqs))
	}
	req := m.reqs[0]
	if !req.Complete || req.Model != defaultSummaryModel || req.MaxTokens != defaultMaxSummaryLen || req.Credential != "key" {
		t.Fatalf("unexpected summary request %+v", req)
	}
	transcript := req.Turns[1].Content
	want := "user: tell me about cats\nassistant: see example.com/... for more"
	if transcript != want {
		t.Fatalf("transcript %q, want %q", transcript, want)
	}
}

func TestCompressStopsAtBudget(t *testing.T) {
	m := &fakeModel{reply: gateway.Reply{Text: "summary"}}
	c := newCompressor(m, 5)
	turns := []providers.Message{
		msg(providers.RoleUser, "one two"),
		msg(providers.RoleAssistant, "three four five six"),
		msg(providers.RoleUser, "seven"),
		msg(providers.RoleUser, "latest"),
	}
	c.Compress(context.Background(), turns, "key")
	if got := m.reqs[0].Turns[1].Content; got != "user: one two" {
		t.Fatalf("budget not applied: %q", got)
	}
}

func TestCompressNothingFitsSkipsSummary(t *testing.T) {
	m := &fakeModel{}
	c := newCompressor(m, 1)
	turns := []providers.Message{msg(providers.RoleUser, "far too long"), msg(providers.RoleUser, "latest")}
	got := c.Compress(context.Background(), turns, "key")
	if len(got) != 1 || got[0].Content != "latest" || len(m.reqs) != 0 {
		t.Fatalf("unexpected result %v (calls %d)", got, len(m.reqs))
	}
}

func TestCompressSummaryFailureKeepsLatest(t *testing.T) {
	m := &fakeModel{reply: gateway.Reply{Text: "Error occurred: boom", Err: errors.New("boom")}}
	got := newCompressor(m, 100).Compress(context.Background(), []providers.Message{
		msg(providers.RoleUser, "a"), msg(providers.RoleUser, "b"),
	}, "key")
	if len(got) != 1 || got[0].Content != "b" {
		t.Fatalf("unexpected result %v", got)
	}
}

func TestShortenLinks(t *testing.T) {
	in := "Read (https://docs.example.org/a/b) and http://www.foo.com."
	want := "Read (docs.example.org/...) and foo.com/...."
	if got := ShortenLinks(in); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
