package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kittybot/internal/metrics"
	"kittybot/internal/providers"
)

type fakeProvider struct {
	calls     int
	failFirst int
	failErr   error
	text      string
	tokens    int
	lastReq   providers.ChatRequest
}

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	f.calls++
	f.lastReq = req
	if f.calls <= f.failFirst {
		return providers.ChatResponse{}, f.failErr
	}
	return providers.ChatResponse{Text: f.text, TokensUsed: f.tokens}, nil
}

type fakeStreamer struct {
	fakeProvider
	parts []string
}

func (f *fakeStreamer) ChatStream(ctx context.Context, req providers.ChatRequest) (<-chan providers.Fragment, error) {
	f.calls++
	ch := make(chan providers.Fragment, len(f.parts))
	for _, p := range f.parts {
		ch <- providers.Fragment{Text: p}
	}
	close(ch)
	return ch, nil
}

func newGateway(p providers.Provider, streamModels ...string) *Gateway {
	return New(Config{
		Factory:      func(string) (providers.Provider, error) { return p, nil },
		StreamModels: streamModels,
		RetryDelay:   time.Millisecond,
		Logger:       zerolog.Nop(),
		Metrics:      metrics.New(),
	})
}

func rateLimited() error {
	return fmt.Errorf("%w: slow down", providers.ErrRateLimited)
}

func TestSendCompleteReply(t *testing.T) {
	p := &fakeProvider{text: "hi", tokens: 12}
	g := newGateway(p)

	reply := g.Send(context.Background(), Request{Credential: "k", Model: "gpt-3.5-turbo", Temperature: 0.5})
	if reply.Err != nil || reply.Streamed() {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.Text != "hi" || reply.TokensUsed != 12 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if p.lastReq.MaxTokens != defaultMaxTokens || p.lastReq.Temperature != 0.5 {
		t.Fatalf("unexpected request %+v", p.lastReq)
	}
}

func TestSendRetriesRateLimit(t *testing.T) {
	p := &fakeProvider{text: "finally", failFirst: 2, failErr: rateLimited()}
	g := newGateway(p)

	reply := g.Send(context.Background(), Request{Model: "gpt-3.5-turbo"})
	if reply.Err != nil || reply.Text != "finally" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if p.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", p.calls)
	}
}

func TestSendRateLimitExhaustedBecomesText(t *testing.T) {
	p := &fakeProvider{failFirst: 100, failErr: rateLimited()}
	g := newGateway(p)

	reply := g.Send(context.Background(), Request{Model: "gpt-3.5-turbo"})
	if !errors.Is(reply.Err, providers.ErrRateLimited) {
		t.Fatalf("expected rate limit cause, got %v", reply.Err)
	}
	if !strings.HasPrefix(reply.Text, "Error occurred: ") || reply.TokensUsed != 0 {
		t.Fatalf("unexpected degraded reply %+v", reply)
	}
	if p.calls != defaultMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", defaultMaxAttempts, p.calls)
	}
}

func TestSendOtherFaultAbortsImmediately(t *testing.T) {
	p := &fakeProvider{failFirst: 100, failErr: errors.New("invalid api key")}
	g := newGateway(p)

	reply := g.Send(context.Background(), Request{Model: "gpt-3.5-turbo"})
	if p.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", p.calls)
	}
	if reply.Text != "Error occurred: invalid api key" {
		t.Fatalf("unexpected text %q", reply.Text)
	}
}

func TestSendStreamsFlagshipModel(t *testing.T) {
	p := &fakeStreamer{parts: []string{"a", "b"}}
	g := newGateway(p, "gpt-4")

	reply := g.Send(context.Background(), Request{Model: "gpt-4"})
	if !reply.Streamed() {
		t.Fatalf("expected streamed reply")
	}
	var sb strings.Builder
	for f := range reply.Fragments {
		sb.WriteString(f.Text)
	}
	if sb.String() != "ab" {
		t.Fatalf("unexpected stream %q", sb.String())
	}

	p2 := &fakeStreamer{fakeProvider: fakeProvider{text: "whole"}, parts: []string{"x"}}
	g2 := newGateway(p2, "gpt-4")
	reply = g2.Send(context.Background(), Request{Model: "gpt-4", Complete: true})
	if reply.Streamed() || reply.Text != "whole" {
		t.Fatalf("Complete must bypass streaming, got %+v", reply)
	}
}

func TestSendStopsRetryingOnCancel(t *testing.T) {
	p := &fakeProvider{failFirst: 100, failErr: rateLimited()}
	g := New(Config{
		Factory:    func(string) (providers.Provider, error) { return p, nil },
		RetryDelay: time.Hour,
		Logger:     zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Reply, 1)
	go func() { done <- g.Send(ctx, Request{Model: "m"}) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case reply := <-done:
		if !errors.Is(reply.Err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", reply.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Send did not return after cancel")
	}
}

func TestSendFactoryError(t *testing.T) {
	g := New(Config{
		Factory: func(string) (providers.Provider, error) { return nil, errors.New("no such kind") },
		Logger:  zerolog.Nop(),
	})
	reply := g.Send(context.Background(), Request{Model: "m"})
	if reply.Err == nil || !strings.Contains(reply.Text, "no such kind") {
		t.Fatalf("unexpected reply %+v", reply)
	}
}
