package commands

import (
	"context"
	"errors"
	"strings"

	"kittybot/internal/providers"
	"kittybot/internal/secrets"
	"kittybot/internal/storage"
)

func (s *Service) credentialCommands() []Command {
	googleKeys := func(ctx context.Context, inv Invocation) string {
		return s.storeKeys(ctx, inv, map[string]string{secrets.KeyGoogleAPI: inv.Arg("api_key")})
	}
	return []Command{
		{
			Name:        "setup_llm_openai",
			Description: "Store your OpenAI API key",
			Options: []Option{
				{Name: "api_key", Description: "OpenAI API key", Required: true},
				{Name: "model", Description: "model to use, optional"},
			},
			Private: true,
			handler: s.setupOpenAI,
		},
		{
			Name:        "setup_plugin_google",
			Description: "Store the Google key and search engine id for web and image search",
			Options: []Option{
				{Name: "api_key", Description: "Google API key", Required: true},
				{Name: "cx_id", Description: "programmable search engine id", Required: true},
			},
			Private: true,
			handler: func(ctx context.Context, inv Invocation) string {
				return s.storeKeys(ctx, inv, map[string]string{
					secrets.KeyGoogleAPI:  inv.Arg("api_key"),
					secrets.KeyGoogleCXID: inv.Arg("cx_id"),
				})
			},
		},
		{
			Name:        "setup_plugin_youtube",
			Description: "Store the Google key used for YouTube search",
			Options:     []Option{{Name: "api_key", Description: "Google API key", Required: true}},
			Private:     true,
			handler:     googleKeys,
		},
		{
			Name:        "setup_plugin_google_maps",
			Description: "Store the Google key used for Maps search",
			Options:     []Option{{Name: "api_key", Description: "Google API key", Required: true}},
			Private:     true,
			handler:     googleKeys,
		},
		{
			Name:        "delete_key",
			Description: "Delete one of your stored keys",
			Options:     []Option{{Name: "name", Description: "OPENAI_API_KEY, GOOGLE_API_KEY or GOOGLE_CX_ID", Required: true}},
			Private:     true,
			handler: func(ctx context.Context, inv Invocation) string {
				name := strings.ToUpper(inv.Arg("name"))
				if !secrets.IsKnown(name) {
					return "Unknown key. Use OPENAI_API_KEY, GOOGLE_API_KEY or GOOGLE_CX_ID."
				}
				if err := s.vault.Delete(ctx, inv.UserID, name); err != nil {
					return s.failed(err, "delete key")
				}
				s.audit(ctx, inv, "key_delete", map[string]any{"key": name})
				return name + " deleted."
			},
		},
	}
}

func (s *Service) setupOpenAI(ctx context.Context, inv Invocation) string {
	key := inv.Arg("api_key")
	model := inv.Arg("model")
	if model != "" && !s.modelAllowed(model) {
		return "Unknown model. Available: " + s.modelList()
	}
	if s.validate != nil {
		if err := s.validate(ctx, key); err != nil {
			s.logger.Info().Err(err).Str("user_id", inv.UserID).Msg("openai key rejected")
			if errors.Is(err, providers.ErrRateLimited) {
				return "OpenAI is rate limiting right now. Try again later."
			}
			return "This key was rejected by OpenAI."
		}
	}
	if err := s.vault.Set(ctx, inv.UserID, secrets.KeyOpenAI, key); err != nil {
		return s.failed(err, "save key")
	}
	if model != "" {
		if err := s.store.User(inv.UserID).Set(ctx, storage.KeyModel, model); err != nil {
			return s.failed(err, "save your model")
		}
	}
	s.audit(ctx, inv, "key_set", map[string]any{"key": secrets.KeyOpenAI, "model": model})
	if model != "" {
		return "OpenAI key saved (" + secrets.Mask(key) + "), model " + model + "."
	}
	return "OpenAI key saved (" + secrets.Mask(key) + ")."
}

func (s *Service) storeKeys(ctx context.Context, inv Invocation, keys map[string]string) string {
	names := make([]string, 0, len(keys))
	for _, name := range []string{secrets.KeyGoogleAPI, secrets.KeyGoogleCXID} {
		value, ok := keys[name]
		if !ok {
			continue
		}
		if err := s.vault.Set(ctx, inv.UserID, name, value); err != nil {
			return s.failed(err, "save key")
		}
		names = append(names, name)
	}
	s.audit(ctx, inv, "key_set", map[string]any{"keys": names})
	return "Saved " + strings.Join(names, ", ") + "."
}
