package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"kittybot/internal/storage"
)

func (s *Service) userCommands() []Command {
	return []Command{
		{
			Name:        "help",
			Description: "List the available commands",
			Private:     true,
			handler: func(ctx context.Context, inv Invocation) string {
				return s.Help()
			},
		},
		{
			Name:        "get_my_settings",
			Description: "Show your settings, usage and stored keys",
			Private:     true,
			handler:     s.mySettings,
		},
		{
			Name:        "reset_my_settings",
			Description: "Reset your settings, stored keys are kept",
			Private:     true,
			handler: func(ctx context.Context, inv Invocation) string {
				if err := s.store.User(inv.UserID).Reset(ctx); err != nil {
					return s.failed(err, "reset your settings")
				}
				s.audit(ctx, inv, "user_reset", nil)
				return "Your settings were reset."
			},
		},
		{
			Name:        "set_my_location",
			Description: "Set your location",
			Options:     []Option{{Name: "location", Description: "city, region or address", Required: true, Rest: true}},
			Private:     true,
			handler: func(ctx context.Context, inv Invocation) string {
				loc := inv.Arg("location")
				err := s.store.User(inv.UserID).SetMany(ctx, map[string]any{
					storage.KeyLocation: loc,
					storage.KeyTimezone: "",
				})
				if err != nil {
					return s.failed(err, "save your location")
				}
				s.audit(ctx, inv, "user_set", map[string]any{"key": storage.KeyLocation})
				return "Your location is now " + loc + "."
			},
		},
		{
			Name:        "get_my_location",
			Description: "Show your location",
			Private:     true,
			handler: func(ctx context.Context, inv Invocation) string {
				us, err := s.store.UserSettings(ctx, inv.UserID)
				if err != nil {
					return s.failed(err, "load your settings")
				}
				if us.Location == "" {
					return "You have not set a location."
				}
				return "Your location: " + us.Location
			},
		},
		{
			Name:        "set_my_model",
			Description: "Set the model used for your requests",
			Options:     []Option{{Name: "model", Description: "model id", Required: true}},
			Private:     true,
			handler: func(ctx context.Context, inv Invocation) string {
				model := inv.Arg("model")
				if !s.modelAllowed(model) {
					return "Unknown model. Available: " + s.modelList()
				}
				if err := s.store.User(inv.UserID).Set(ctx, storage.KeyModel, model); err != nil {
					return s.failed(err, "save your model")
				}
				s.audit(ctx, inv, "user_set", map[string]any{"key": storage.KeyModel})
				return "Your model is now " + model + "."
			},
		},
	}
}

func (s *Service) mySettings(ctx context.Context, inv Invocation) string {
	us, err := s.store.UserSettings(ctx, inv.UserID)
	if err != nil {
		return s.failed(err, "load your settings")
	}
	usage, err := s.store.Usage(ctx, inv.UserID)
	if err != nil {
		return s.failed(err, "load your usage")
	}
	masked, err := s.vault.Masked(ctx, inv.UserID)
	if err != nil {
		return s.failed(err, "load your keys")
	}

	model := us.Model
	if model == "" {
		model = "(default)"
	}
	location := us.Location
	if location == "" {
		location = "(not set)"
	}
	lines := []string{
		"Your settings:",
		"- model: " + model,
		"- location: " + location,
		fmt.Sprintf("- tokens this month: %d", usage.MonthlyTokens),
		fmt.Sprintf("- cost this month: $%.4f", usage.MonthlyCost),
	}
	if len(masked) == 0 {
		lines = append(lines, "- keys: none")
		return strings.Join(lines, "\n")
	}
	names := make([]string, 0, len(masked))
	for k := range masked {
		names = append(names, k)
	}
	sort.Strings(names)
	lines = append(lines, "- keys:")
	for _, k := range names {
		lines = append(lines, "  "+k+": "+masked[k])
	}
	return strings.Join(lines, "\n")
}
