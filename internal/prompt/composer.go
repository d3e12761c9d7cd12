package prompt

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"kittybot/internal/plugins"
	"kittybot/internal/storage"
)

const (
	Precise      = "You are a helpful assistant called KittyAI. Provide concise and helpful responses."
	Creative     = "You are a helpful assistant called KittyAI."
	PluginsIntro = `Identify if the user asked to execute one or multiple of the following plugins or settings. If so, integrate the function calls like "function(parameters)" in your response.`
	SystemIntro  = "If not, follow the instructions and answer the questions. Also always follow the system prompt:"

	dateLayout = "January 02 2006, 03:04PM"
)

type TimezoneResolver interface {
	Timezone(ctx context.Context, location string) (string, error)
}

type TimezoneStore interface {
	SaveTimezone(ctx context.Context, channelID, tz string) error
}

type Config struct {
	Resolver TimezoneResolver
	Store    TimezoneStore
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Composer struct {
	resolver TimezoneResolver
	store    TimezoneStore
	logger   zerolog.Logger
	now      func() time.Time
}

func NewComposer(cfg Config) *Composer {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Composer{
		resolver: cfg.Resolver,
		store:    cfg.Store,
		logger:   cfg.Logger.With().Str("component", "prompt").Logger(),
		now:      cfg.Now,
	}
}

// Compose builds the system prompt. The only side effect is persisting a
// timezone the first time it is derived from the channel's location.
func (c *Composer) Compose(ctx context.Context, channelID string, cs storage.ChannelSettings, usable []plugins.Entry) string {
	var b strings.Builder

	if loc := strings.TrimSpace(cs.Location); loc != "" {
		b.WriteString(c.dateLine(ctx, channelID, loc, cs.Timezone))
		b.WriteString("\n")
	}

	if len(usable) > 0 {
		b.WriteString(PluginsIntro + "\n\n")
		b.WriteString("Plugins:\n")
		for _, e := range usable {
			b.WriteString(e.Name + " -> " + e.Signature + "\n")
		}
		b.WriteString("\nnum_results default is " + strconv.Itoa(plugins.DefaultNumResults) + "\n\n")
		b.WriteString(SystemIntro + " ")
	}

	b.WriteString(SystemPrompt(cs))
	return b.String()
}

// SystemPrompt is the channel's configured prompt or the persona matching its
// creativity.
func SystemPrompt(cs storage.ChannelSettings) string {
	if strings.TrimSpace(cs.SystemPrompt) != "" {
		return cs.SystemPrompt
	}
	if cs.Creativity == 0 {
		return Precise
	}
	return Creative
}

func (c *Composer) dateLine(ctx context.Context, channelID, location, tz string) string {
	zone := c.zone(ctx, channelID, location, tz)
	return "Now is " + c.now().In(zone).Format(dateLayout) + ". In " + location + "."
}

func (c *Composer) zone(ctx context.Context, channelID, location, tz string) *time.Location {
	log := c.logger.With().Str("channel_id", channelID).Str("location", location).Logger()
	if tz != "" {
		if z, err := time.LoadLocation(tz); err == nil {
			return z
		}
		log.Warn().Str("tz", tz).Msg("stored timezone invalid, resolving again")
	}
	if c.resolver == nil {
		return time.UTC
	}
	resolved, err := c.resolver.Timezone(ctx, location)
	if err != nil {
		log.Warn().Err(err).Msg("timezone lookup failed, using UTC")
		return time.UTC
	}
	z, err := time.LoadLocation(resolved)
	if err != nil {
		log.Warn().Err(err).Str("tz", resolved).Msg("resolved timezone unknown, using UTC")
		return time.UTC
	}
	if c.store != nil {
		if err := c.store.SaveTimezone(ctx, channelID, resolved); err != nil {
			log.Warn().Err(err).Msg("persist timezone failed")
		}
	}
	return z
}
