package geo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newResolver(t *testing.T) (*Resolver, *miniredis.Miniredis, *int) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	r, err := NewResolver(Config{Redis: rdb, CacheTTL: time.Hour, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	calls := 0
	r.lookup = func(ctx context.Context, location string) (string, error) {
		calls++
		if location == "Atlantis" {
			return "", ErrNotFound
		}
		return "Europe/Berlin", nil
	}
	return r, mr, &calls
}

func TestTimezoneIsCached(t *testing.T) {
	r, mr, calls := newResolver(t)
	ctx := context.Background()

	for _, loc := range []string{"Berlin", "  berlin "} {
		tz, err := r.Timezone(ctx, loc)
		if err != nil || tz != "Europe/Berlin" {
			t.Fatalf("timezone(%q) = %q, %v", loc, tz, err)
		}
	}
	if *calls != 1 {
		t.Fatalf("expected one lookup, got %d", *calls)
	}
	if got, _ := mr.Get("kittybot:tz:berlin"); got != "Europe/Berlin" {
		t.Fatalf("cache not written: %q", got)
	}
	if ttl := mr.TTL("kittybot:tz:berlin"); ttl != time.Hour {
		t.Fatalf("unexpected ttl %v", ttl)
	}
}

func TestTimezoneFailureNotCached(t *testing.T) {
	r, mr, calls := newResolver(t)
	ctx := context.Background()

	if _, err := r.Timezone(ctx, "Atlantis"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if mr.Exists("kittybot:tz:atlantis") {
		t.Fatalf("failure must not be cached")
	}
	if _, err := r.Timezone(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty location must fail, got %v", err)
	}
	if *calls != 1 {
		t.Fatalf("empty location must not reach the lookup")
	}
}

func TestTimezoneWithoutKey(t *testing.T) {
	r, err := NewResolver(Config{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if _, err := r.Timezone(context.Background(), "Paris"); err == nil {
		t.Fatalf("expected error without api key")
	}
}
