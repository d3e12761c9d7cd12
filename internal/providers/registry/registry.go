package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"kittybot/internal/providers"
	"kittybot/internal/providers/custom_http"
	"kittybot/internal/providers/openai"
)

type BuildOptions struct {
	Kind         string
	BaseURL      string
	APIKey       string
	Headers      map[string]string
	BodyTemplate string
	HTTPClient   *http.Client
}

func Build(opts BuildOptions) (providers.Provider, error) {
	switch opts.Kind {
	case "openai", "openai_compat", "openai-compatible":
		return openai.New(openai.Config{
			APIKey:     opts.APIKey,
			BaseURL:    opts.BaseURL,
			HTTPClient: opts.HTTPClient,
		}), nil

	case "custom_http", "custom-http":
		return custom_http.New(custom_http.Config{
			URL:          opts.BaseURL,
			APIKey:       opts.APIKey,
			Headers:      opts.Headers,
			BodyTemplate: opts.BodyTemplate,
			HTTPClient:   opts.HTTPClient,
		})

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

// Factory returns a constructor bound to everything but the per-user API key.
func Factory(base BuildOptions) func(apiKey string) (providers.Provider, error) {
	return func(apiKey string) (providers.Provider, error) {
		opts := base
		opts.APIKey = apiKey
		return Build(opts)
	}
}

// Validator returns a check for user supplied keys. Providers without a
// validation endpoint accept any non-empty key.
func Validator(base BuildOptions) func(ctx context.Context, apiKey string) error {
	build := Factory(base)
	return func(ctx context.Context, apiKey string) error {
		if strings.TrimSpace(apiKey) == "" {
			return errors.New("empty api key")
		}
		p, err := build(apiKey)
		if err != nil {
			return err
		}
		v, ok := p.(providers.Validator)
		if !ok {
			return nil
		}
		return v.Validate(ctx)
	}
}
