package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"kittybot/internal/prompt"
	"kittybot/internal/storage"
)

const maxCreativity = 2.0

func (s *Service) channelCommands() []Command {
	return []Command{
		{
			Name:         "reset_channel_settings",
			Description:  "Reset all settings of this channel",
			ChannelAdmin: true,
			handler: func(ctx context.Context, inv Invocation) string {
				if err := s.store.Channel(inv.ChannelID).Reset(ctx); err != nil {
					return s.failed(err, "reset channel settings")
				}
				s.audit(ctx, inv, "channel_reset", nil)
				return "Channel settings reset to defaults."
			},
		},
		{
			Name:        "get_channel_settings",
			Description: "Show the settings of this channel",
			handler: func(ctx context.Context, inv Invocation) string {
				cs, err := s.store.ChannelSettings(ctx, inv.ChannelID)
				if err != nil {
					return s.failed(err, "load channel settings")
				}
				return formatChannelSettings(cs)
			},
		},
		{
			Name:         "set_channel_autorespond",
			Description:  "Answer every message (on) or only mentions (off)",
			Options:      []Option{{Name: "value", Description: "on or off", Required: true}},
			ChannelAdmin: true,
			handler: func(ctx context.Context, inv Invocation) string {
				on, ok := parseSwitch(inv.Arg("value"))
				if !ok {
					return "Usage: /set_channel_autorespond <on|off>"
				}
				return s.setChannel(ctx, inv, storage.KeyAutorespond, on, "Autorespond is now "+onOff(on)+".")
			},
		},
		{
			Name:        "get_channel_autorespond",
			Description: "Show whether the bot answers every message",
			handler: func(ctx context.Context, inv Invocation) string {
				cs, err := s.store.ChannelSettings(ctx, inv.ChannelID)
				if err != nil {
					return s.failed(err, "load channel settings")
				}
				return "Autorespond is " + onOff(cs.Autorespond) + "."
			},
		},
		{
			Name:         "set_channel_location",
			Description:  "Set the location used for local date and time",
			Options:      []Option{{Name: "location", Description: "city, region or address", Required: true, Rest: true}},
			ChannelAdmin: true,
			handler: func(ctx context.Context, inv Invocation) string {
				loc := inv.Arg("location")
				err := s.store.Channel(inv.ChannelID).SetMany(ctx, map[string]any{
					storage.KeyLocation: loc,
					storage.KeyTimezone: "",
				})
				if err != nil {
					return s.failed(err, "save channel location")
				}
				s.audit(ctx, inv, "channel_set", map[string]any{"key": storage.KeyLocation})
				return "Channel location set to " + loc + "."
			},
		},
		{
			Name:        "get_channel_location",
			Description: "Show the channel location",
			handler: func(ctx context.Context, inv Invocation) string {
				cs, err := s.store.ChannelSettings(ctx, inv.ChannelID)
				if err != nil {
					return s.failed(err, "load channel settings")
				}
				if cs.Location == "" {
					return "No channel location set."
				}
				if cs.Timezone != "" {
					return fmt.Sprintf("Channel location: %s (%s)", cs.Location, cs.Timezone)
				}
				return "Channel location: " + cs.Location
			},
		},
		{
			Name:         "set_system_prompt",
			Description:  "Set the system prompt of this channel",
			Options:      []Option{{Name: "prompt", Description: "instructions for the assistant", Required: true, Rest: true}},
			ChannelAdmin: true,
			handler: func(ctx context.Context, inv Invocation) string {
				return s.setChannel(ctx, inv, storage.KeySystemPrompt, inv.Arg("prompt"), "System prompt saved.")
			},
		},
		{
			Name:        "get_system_prompt",
			Description: "Show the system prompt of this channel",
			handler: func(ctx context.Context, inv Invocation) string {
				cs, err := s.store.ChannelSettings(ctx, inv.ChannelID)
				if err != nil {
					return s.failed(err, "load channel settings")
				}
				if strings.TrimSpace(cs.SystemPrompt) == "" {
					return "Default system prompt:\n" + prompt.SystemPrompt(cs)
				}
				return "System prompt:\n" + cs.SystemPrompt
			},
		},
		{
			Name:         "reset_system_prompt",
			Description:  "Go back to the default system prompt",
			ChannelAdmin: true,
			handler: func(ctx context.Context, inv Invocation) string {
				return s.setChannel(ctx, inv, storage.KeySystemPrompt, "", "System prompt reset.")
			},
		},
		{
			Name:         "set_creativity",
			Description:  "Set the sampling temperature, 0 is precise",
			Options:      []Option{{Name: "value", Description: "0 to 2", Required: true}},
			ChannelAdmin: true,
			handler: func(ctx context.Context, inv Invocation) string {
				v, err := strconv.ParseFloat(inv.Arg("value"), 64)
				if err != nil || v < 0 || v > maxCreativity {
					return "Creativity must be a number between 0 and 2."
				}
				return s.setChannel(ctx, inv, storage.KeyCreativity, v, fmt.Sprintf("Creativity set to %g.", v))
			},
		},
		{
			Name:         "set_history_depth",
			Description:  "Number of earlier thread messages sent as context",
			Options:      []Option{{Name: "value", Description: "1 to 15", Required: true}},
			ChannelAdmin: true,
			handler: func(ctx context.Context, inv Invocation) string {
				n, err := strconv.Atoi(inv.Arg("value"))
				if err != nil || n < 1 || n > 15 {
					return "History depth must be a whole number between 1 and 15."
				}
				return s.setChannel(ctx, inv, storage.KeyHistoryDepth, n, fmt.Sprintf("History depth set to %d.", n))
			},
		},
		{
			Name:         "set_default_model",
			Description:  "Set the model used in this channel",
			Options:      []Option{{Name: "model", Description: "model id", Required: true}},
			ChannelAdmin: true,
			handler: func(ctx context.Context, inv Invocation) string {
				model := inv.Arg("model")
				if !s.modelAllowed(model) {
					return "Unknown model. Available: " + s.modelList()
				}
				return s.setChannel(ctx, inv, storage.KeyModel, model, "Channel model set to "+model+".")
			},
		},
		{
			Name:        "plugin",
			Description: "Activate or deactivate a plugin in this channel",
			Options: []Option{
				{Name: "action", Description: "activate or deactivate", Required: true},
				{Name: "name", Description: "plugin name or all", Required: true, Rest: true},
			},
			ChannelAdmin: true,
			handler:      s.togglePlugin,
		},
		{
			Name:         "set_debug",
			Description:  "Append model and token details to replies",
			Options:      []Option{{Name: "value", Description: "on or off", Required: true}},
			ChannelAdmin: true,
			handler: func(ctx context.Context, inv Invocation) string {
				on, ok := parseSwitch(inv.Arg("value"))
				if !ok {
					return "Usage: /set_debug <on|off>"
				}
				return s.setChannel(ctx, inv, storage.KeyDebug, on, "Debug is now "+onOff(on)+".")
			},
		},
	}
}

func (s *Service) setChannel(ctx context.Context, inv Invocation, key string, value any, ok string) string {
	if err := s.store.Channel(inv.ChannelID).Set(ctx, key, value); err != nil {
		return s.failed(err, "save channel setting")
	}
	s.audit(ctx, inv, "channel_set", map[string]any{"key": key})
	return ok
}

func (s *Service) togglePlugin(ctx context.Context, inv Invocation) string {
	var on bool
	switch strings.ToLower(inv.Arg("action")) {
	case "activate", "on", "enable":
		on = true
	case "deactivate", "off", "disable":
	default:
		return "Usage: /plugin <activate|deactivate> <name|all>"
	}

	cs, err := s.store.ChannelSettings(ctx, inv.ChannelID)
	if err != nil {
		return s.failed(err, "load channel settings")
	}
	enabled := map[string]bool{}
	for _, n := range cs.Plugins {
		enabled[n] = true
	}

	name := inv.Arg("name")
	var changed []string
	if strings.EqualFold(name, "all") {
		changed = s.catalog.Names()
	} else {
		e, ok := s.catalog.Lookup(name)
		if !ok {
			return "Unknown plugin. Available: " + strings.Join(s.catalog.Names(), ", ")
		}
		changed = []string{e.Name}
	}
	for _, n := range changed {
		enabled[n] = on
	}

	// Stored in catalog order.
	next := make([]string, 0, len(enabled))
	for _, n := range s.catalog.Names() {
		if enabled[n] {
			next = append(next, n)
		}
	}
	if err := s.store.Channel(inv.ChannelID).Set(ctx, storage.KeyPlugins, next); err != nil {
		return s.failed(err, "save plugins")
	}
	s.audit(ctx, inv, "plugin_toggle", map[string]any{"plugins": changed, "active": on})

	state := "deactivated"
	if on {
		state = "activated"
	}
	return strings.Join(changed, ", ") + " " + state + "."
}

func formatChannelSettings(cs storage.ChannelSettings) string {
	plugins := "none"
	if len(cs.Plugins) > 0 {
		plugins = strings.Join(cs.Plugins, ", ")
	}
	model := cs.Model
	if model == "" {
		model = "(user default)"
	}
	location := cs.Location
	if location == "" {
		location = "(not set)"
	}
	systemPrompt := cs.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = "(default)"
	}
	return strings.Join([]string{
		"Channel settings:",
		"- autorespond: " + onOff(cs.Autorespond),
		"- model: " + model,
		fmt.Sprintf("- creativity: %g", cs.Creativity),
		fmt.Sprintf("- history depth: %d", cs.HistoryDepth),
		"- plugins: " + plugins,
		"- location: " + location,
		"- debug: " + onOff(cs.Debug),
		"- system prompt: " + systemPrompt,
	}, "\n")
}
