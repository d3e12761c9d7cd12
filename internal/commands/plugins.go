package commands

import (
	"context"

	"kittybot/internal/plugins"
)

// Direct plugin commands run a search without going through the model.
var pluginCommandNames = []struct {
	command string
	plugin  string
	desc    string
}{
	{"google_search", "search", "Search the web"},
	{"google_images", "searchimages", "Search images"},
	{"youtube", "searchvideos", "Search YouTube videos"},
	{"google_maps", "searchlocations", "Search places on Google Maps"},
}

func (s *Service) pluginCommands() []Command {
	var out []Command
	for _, pc := range pluginCommandNames {
		e, ok := s.catalog.Lookup(pc.plugin)
		if !ok {
			continue
		}
		out = append(out, Command{
			Name:        pc.command,
			Description: pc.desc,
			Options:     []Option{{Name: "query", Description: "what to look for", Required: true, Rest: true}},
			handler: func(ctx context.Context, inv Invocation) string {
				return s.runPlugin(ctx, inv, e)
			},
		})
	}
	return out
}

func (s *Service) runPlugin(ctx context.Context, inv Invocation, e plugins.Entry) string {
	creds, ok, err := s.vault.Lookup(ctx, inv.UserID, e.RequiredKeys)
	if err != nil {
		return s.failed(err, "load your keys")
	}
	if !ok {
		return e.Name + " needs your Google keys. Use /setup_plugin_google first."
	}
	args := plugins.Args{
		Positional: []plugins.Value{{Kind: plugins.KindString, Str: inv.Arg("query")}},
		Keyword:    map[string]plugins.Value{},
	}
	return s.plugins.Run(ctx, e, creds, args)
}
