package plugins

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"kittybot/internal/metrics"
)

type DispatcherConfig struct {
	Credentials CredentialLookup
	Timeout     time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// Dispatcher replaces plugin invocations in model output with their
// formatted results.
type Dispatcher struct {
	creds   CredentialLookup
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Dispatcher{
		creds:   cfg.Credentials,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With().Str("component", "plugins").Logger(),
		metrics: cfg.Metrics,
	}
}

type replacement struct {
	start, end int
	text       string
}

// Dispatch resolves invocations plugin by plugin in catalog order. Every
// match of a plugin is replaced; a failing one turns into an inline error
// line. Invocations whose credentials have gone missing stay as written.
// Matches nested inside an already claimed invocation are ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, text string, usable []Entry) string {
	text = stripTrailingOpenCall(text, usable)

	var claimed []replacement
	for _, e := range usable {
		fn := e.FuncName()
		for _, call := range FindCalls(text, fn) {
			if overlaps(claimed, call.Start, call.End) {
				continue
			}
			creds, ok, err := d.creds.Lookup(ctx, userID, e.RequiredKeys)
			if err != nil || !ok {
				d.logger.Warn().Err(err).Str("plugin", e.Name).Str("user_id", userID).Msg("plugin credentials unavailable, leaving call in place")
				d.count(e.Name, "skipped")
				continue
			}
			claimed = append(claimed, replacement{
				start: call.Start,
				end:   call.End,
				text:  "\n" + d.run(ctx, e, call, creds) + "\n",
			})
		}
	}
	if len(claimed) == 0 {
		return text
	}

	sort.Slice(claimed, func(i, j int) bool { return claimed[i].start > claimed[j].start })
	for _, r := range claimed {
		text = text[:r.start] + r.text + text[r.end:]
	}
	return strings.TrimSpace(text)
}

// Run executes one invocation directly, bypassing text scanning. Used by the
// plugin commands.
func (d *Dispatcher) Run(ctx context.Context, e Entry, creds []string, args Args) string {
	return d.run(ctx, e, Call{Name: e.FuncName(), Args: args}, creds)
}

func (d *Dispatcher) run(ctx context.Context, e Entry, call Call, creds []string) string {
	log := d.logger.With().Str("plugin", e.Name).Str("call", call.Raw).Logger()
	if call.Err != nil {
		log.Warn().Err(call.Err).Msg("unparseable plugin call")
		d.count(e.Name, "error")
		return "Error: " + call.Err.Error()
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	started := time.Now()
	results, err := e.Execute(ctx, creds, call.Args)
	if err != nil {
		log.Error().Err(err).Dur("took", time.Since(started)).Msg("plugin failed")
		d.count(e.Name, "error")
		return "Error: " + err.Error()
	}
	log.Debug().Int("results", len(results)).Dur("took", time.Since(started)).Msg("plugin done")
	d.count(e.Name, "ok")
	return e.Format(results)
}

func (d *Dispatcher) count(plugin, outcome string) {
	if d.metrics != nil {
		d.metrics.PluginCalls.WithLabelValues(plugin, outcome).Inc()
	}
}

func overlaps(claimed []replacement, start, end int) bool {
	for _, r := range claimed {
		if start < r.end && r.start < end {
			return true
		}
	}
	return false
}

// stripTrailingOpenCall drops an invocation the model never closed, which
// happens when a streamed reply is cut off.
func stripTrailingOpenCall(text string, usable []Entry) string {
	cut := -1
	for _, e := range usable {
		if off, ok := TrailingOpenCall(text, e.FuncName()); ok && (cut < 0 || off < cut) {
			cut = off
		}
	}
	if cut < 0 {
		return text
	}
	return strings.TrimRight(text[:cut], " \t\r\n")
}
