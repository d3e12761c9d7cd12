package plugins

import (
	"context"
	"errors"
	"strings"

	"kittybot/internal/secrets"
)

var ErrMissingCredential = errors.New("missing plugin credential")

// Result is one search hit as the plugins format it.
type Result struct {
	Title    string
	Link     string
	Snippet  string
	Source   string
	ImageURL string
	Filename string
	Address  string
	Rating   float64
}

type VideoQuery struct {
	Query      string
	Num        int
	Page       int
	Order      string
	RegionCode string
	Language   string
}

type PlaceQuery struct {
	Query   string
	Where   string
	OpenNow bool
	Num     int
	Page    int
}

// Searcher is the external lookup behind the built-in plugins.
type Searcher interface {
	Web(ctx context.Context, apiKey, cxID, query string, num, page int) ([]Result, error)
	Images(ctx context.Context, apiKey, cxID, query string, num, page int) ([]Result, error)
	Videos(ctx context.Context, apiKey string, q VideoQuery) ([]Result, error)
	Places(ctx context.Context, apiKey string, q PlaceQuery) ([]Result, error)
}

// CredentialLookup fetches credentials in order; ok is false if any is
// missing.
type CredentialLookup interface {
	Lookup(ctx context.Context, userID string, keyNames []string) (values []string, ok bool, err error)
}

type Executor func(ctx context.Context, creds []string, args Args) ([]Result, error)

type Entry struct {
	Name         string
	Signature    string
	RequiredKeys []string
	Execute      Executor
	Format       func([]Result) string
}

// FuncName is the identifier the model writes, e.g. "search".
func (e Entry) FuncName() string {
	name, _, _ := strings.Cut(e.Signature, "(")
	return strings.TrimSpace(name)
}

// Catalog is the fixed, ordered set of plugins. Order matters: it is the
// order in which invocations are resolved.
type Catalog struct {
	entries []Entry
}

func NewCatalog(entries ...Entry) *Catalog {
	return &Catalog{entries: entries}
}

const DefaultNumResults = 4

func Default(s Searcher) *Catalog {
	return NewCatalog(
		Entry{
			Name:         "Google Search",
			Signature:    "search(query, num_results, page)",
			RequiredKeys: []string{secrets.KeyGoogleAPI, secrets.KeyGoogleCXID},
			Execute: func(ctx context.Context, creds []string, a Args) ([]Result, error) {
				return s.Web(ctx, creds[0], creds[1], a.String(0, "query", ""), a.Int(1, "num_results", DefaultNumResults), a.Int(2, "page", 1))
			},
			Format: FormatWeb,
		},
		Entry{
			Name:         "Google Image Search",
			Signature:    "searchimages(query, num_results, page)",
			RequiredKeys: []string{secrets.KeyGoogleAPI, secrets.KeyGoogleCXID},
			Execute: func(ctx context.Context, creds []string, a Args) ([]Result, error) {
				return s.Images(ctx, creds[0], creds[1], a.String(0, "query", ""), a.Int(1, "num_results", DefaultNumResults), a.Int(2, "page", 1))
			},
			Format: FormatImages,
		},
		Entry{
			Name:         "YouTube",
			Signature:    "searchvideos(query, num_results, page, sort_order, regionCode, relevanceLanguage)",
			RequiredKeys: []string{secrets.KeyGoogleAPI},
			Execute: func(ctx context.Context, creds []string, a Args) ([]Result, error) {
				return s.Videos(ctx, creds[0], VideoQuery{
					Query:      a.String(0, "query", ""),
					Num:        a.Int(1, "num_results", DefaultNumResults),
					Page:       a.Int(2, "page", 1),
					Order:      a.String(3, "sort_order", "relevance"),
					RegionCode: a.String(4, "regionCode", "US"),
					Language:   a.String(5, "relevanceLanguage", "en"),
				})
			},
			Format: FormatVideos,
		},
		Entry{
			Name:         "Google Maps",
			Signature:    "searchlocations(query, where, open_now, num_results, page)",
			RequiredKeys: []string{secrets.KeyGoogleAPI},
			Execute: func(ctx context.Context, creds []string, a Args) ([]Result, error) {
				return s.Places(ctx, creds[0], PlaceQuery{
					Query:   a.String(0, "query", ""),
					Where:   a.String(1, "where", ""),
					OpenNow: a.Bool(2, "open_now", false),
					Num:     a.Int(3, "num_results", DefaultNumResults),
					Page:    a.Int(4, "page", 1),
				})
			},
			Format: FormatPlaces,
		},
	)
}

func (c *Catalog) Entries() []Entry {
	return append([]Entry(nil), c.entries...)
}

func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Name)
	}
	return out
}

// Lookup matches a display name or function name, case-insensitively.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	for _, e := range c.entries {
		if strings.EqualFold(e.Name, name) || strings.EqualFold(e.FuncName(), name) {
			return e, true
		}
	}
	return Entry{}, false
}

// Usable returns, in catalog order, the plugins that are both enabled in
// the channel and backed by every credential the user needs for them.
func (c *Catalog) Usable(ctx context.Context, userID string, enabled []string, creds CredentialLookup) ([]Entry, error) {
	on := make(map[string]bool, len(enabled))
	for _, n := range enabled {
		on[n] = true
	}
	var out []Entry
	for _, e := range c.entries {
		if !on[e.Name] {
			continue
		}
		_, ok, err := creds.Lookup(ctx, userID, e.RequiredKeys)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}
