package cli

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"kittybot/internal/config"
	"kittybot/internal/plugins"
	"kittybot/internal/search"
	"kittybot/internal/storage"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		" WARN ":   zerolog.WarnLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"":         zerolog.InfoLevel,
		"nonsense": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRedactToken(t *testing.T) {
	token := "123456:ABC-secret"
	err := errors.New(`Post "https://api.telegram.org/bot123456:ABC-secret/getMe": timeout`)
	got := redactToken(err, token)
	if strings.Contains(got, "ABC-secret") {
		t.Fatalf("token leaked: %q", got)
	}
	if !strings.Contains(got, "<redacted-token>") {
		t.Fatalf("missing marker: %q", got)
	}
	if redactToken(nil, token) != "" {
		t.Fatalf("nil error should render empty")
	}
	if got := redactToken(errors.New("plain"), ""); got != "plain" {
		t.Fatalf("no token: %q", got)
	}
}

func TestFormatUsage(t *testing.T) {
	if got := formatUsage(nil); got != "no usage recorded\n" {
		t.Fatalf("empty = %q", got)
	}
	out := formatUsage([]storage.UsageTotals{{
		UserID:        "42",
		MonthlyTokens: 1500,
		MonthlyCost:   0.09,
		PastTokens:    []int64{10, 20},
	}})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	for _, want := range []string{"42", "1500", "0.0900", "10,20"} {
		if !strings.Contains(lines[1], want) {
			t.Fatalf("row %q missing %q", lines[1], want)
		}
	}
}

func TestRootRegistersSubcommands(t *testing.T) {
	root := NewRootCmd("test")
	for _, name := range []string{"serve", "migrate", "rotate-keys", "usage"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("subcommand %s: %v", name, err)
		}
	}
}

func TestStoreConfigEnablesCatalogPlugins(t *testing.T) {
	cfg := &config.Config{}
	cfg.DB.Driver = "sqlite"
	cfg.DB.DSN = filepath.Join(t.TempDir(), "kittybot.db")
	cfg.DB.AutoMigrate = true
	catalog := plugins.Default(search.NewGoogle(search.Config{}))

	store, err := storage.Open(context.Background(), storeConfig(cfg, catalog))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	got, err := store.ChannelSettings(context.Background(), "fresh-channel")
	if err != nil {
		t.Fatalf("channel settings: %v", err)
	}
	if len(got.Plugins) == 0 || !reflect.DeepEqual(got.Plugins, catalog.Names()) {
		t.Fatalf("default plugins = %v, want %v", got.Plugins, catalog.Names())
	}
}
