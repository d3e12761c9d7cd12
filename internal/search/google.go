package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
	"googlemaps.github.io/maps"

	"kittybot/internal/plugins"
)

const maxPerPage = 10

type Config struct {
	HTTPClient *http.Client
	Logger     zerolog.Logger
	// APIOptions and MapsOptions are appended to every client; tests point
	// them at local servers.
	APIOptions  []option.ClientOption
	MapsOptions []maps.ClientOption
}

// Google answers the built-in plugins with the caller's own API key; no
// client is shared between users.
type Google struct {
	httpClient  *http.Client
	logger      zerolog.Logger
	apiOptions  []option.ClientOption
	mapsOptions []maps.ClientOption
}

func NewGoogle(cfg Config) *Google {
	return &Google{
		httpClient:  cfg.HTTPClient,
		logger:      cfg.Logger.With().Str("component", "search").Logger(),
		apiOptions:  cfg.APIOptions,
		mapsOptions: cfg.MapsOptions,
	}
}

var _ plugins.Searcher = (*Google)(nil)

func (g *Google) Web(ctx context.Context, apiKey, cxID, query string, num, page int) ([]plugins.Result, error) {
	items, err := g.cse(ctx, apiKey, cxID, query, num, page, "")
	if err != nil {
		return nil, err
	}
	return webResults(items), nil
}

func (g *Google) Images(ctx context.Context, apiKey, cxID, query string, num, page int) ([]plugins.Result, error) {
	items, err := g.cse(ctx, apiKey, cxID, query, num, page, "image")
	if err != nil {
		return nil, err
	}
	return imageResults(items), nil
}

func (g *Google) cse(ctx context.Context, apiKey, cxID, query string, num, page int, searchType string) ([]*customsearch.Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is empty")
	}
	num, page = clampNum(num), clampPage(page)

	svc, err := customsearch.NewService(ctx, g.options(apiKey)...)
	if err != nil {
		return nil, fmt.Errorf("custom search client: %w", err)
	}
	call := svc.Cse.List().
		Q(query).
		Cx(cxID).
		Num(int64(num)).
		Start(int64((page-1)*num + 1)).
		Context(ctx)
	if searchType != "" {
		call = call.SearchType(searchType)
	}
	res, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("custom search: %w", err)
	}
	g.logger.Debug().Str("type", searchType).Int("items", len(res.Items)).Msg("custom search done")
	return res.Items, nil
}

func (g *Google) Videos(ctx context.Context, apiKey string, q plugins.VideoQuery) ([]plugins.Result, error) {
	if strings.TrimSpace(q.Query) == "" {
		return nil, fmt.Errorf("query is empty")
	}
	num, page := clampNum(q.Num), clampPage(q.Page)

	svc, err := youtube.NewService(ctx, g.options(apiKey)...)
	if err != nil {
		return nil, fmt.Errorf("youtube client: %w", err)
	}

	token := ""
	for p := 1; ; p++ {
		call := svc.Search.List([]string{"snippet"}).
			Q(q.Query).
			Type("video").
			MaxResults(int64(num)).
			Context(ctx)
		if q.Order != "" {
			call = call.Order(q.Order)
		}
		if q.RegionCode != "" {
			call = call.RegionCode(q.RegionCode)
		}
		if q.Language != "" {
			call = call.RelevanceLanguage(q.Language)
		}
		if token != "" {
			call = call.PageToken(token)
		}
		res, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("youtube search: %w", err)
		}
		if p == page || res.NextPageToken == "" {
			if p < page {
				return nil, nil
			}
			return videoResults(res.Items), nil
		}
		token = res.NextPageToken
	}
}

func (g *Google) Places(ctx context.Context, apiKey string, q plugins.PlaceQuery) ([]plugins.Result, error) {
	if strings.TrimSpace(q.Query) == "" {
		return nil, fmt.Errorf("query is empty")
	}
	num, page := clampNum(q.Num), clampPage(q.Page)

	client, err := g.mapsClient(apiKey)
	if err != nil {
		return nil, err
	}
	query := q.Query
	if w := strings.TrimSpace(q.Where); w != "" {
		query += " in " + w
	}
	res, err := client.TextSearch(ctx, &maps.TextSearchRequest{Query: query, OpenNow: q.OpenNow})
	if err != nil {
		return nil, fmt.Errorf("places search: %w", err)
	}

	from := (page - 1) * num
	if from >= len(res.Results) {
		return nil, nil
	}
	to := from + num
	if to > len(res.Results) {
		to = len(res.Results)
	}
	return placeResults(res.Results[from:to]), nil
}

func (g *Google) mapsClient(apiKey string) (*maps.Client, error) {
	opts := []maps.ClientOption{maps.WithAPIKey(apiKey)}
	if g.httpClient != nil {
		opts = append(opts, maps.WithHTTPClient(g.httpClient))
	}
	opts = append(opts, g.mapsOptions...)
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("maps client: %w", err)
	}
	return client, nil
}

// options never carries an HTTP client: option.WithHTTPClient would
// override the API key.
func (g *Google) options(apiKey string) []option.ClientOption {
	return append([]option.ClientOption{option.WithAPIKey(apiKey)}, g.apiOptions...)
}

func clampNum(n int) int {
	if n < 1 {
		return plugins.DefaultNumResults
	}
	if n > maxPerPage {
		return maxPerPage
	}
	return n
}

func clampPage(p int) int {
	if p < 1 {
		return 1
	}
	return p
}

func webResults(items []*customsearch.Result) []plugins.Result {
	out := make([]plugins.Result, 0, len(items))
	for _, it := range items {
		out = append(out, plugins.Result{
			Title:    it.Title,
			Link:     it.Link,
			Snippet:  it.Snippet,
			ImageURL: thumbnail(it.Pagemap),
		})
	}
	return out
}

func imageResults(items []*customsearch.Result) []plugins.Result {
	out := make([]plugins.Result, 0, len(items))
	for _, it := range items {
		r := plugins.Result{
			Title:    it.Title,
			ImageURL: it.Link,
			Filename: filename(it.Link),
		}
		if it.Image != nil {
			r.Source = it.Image.ContextLink
		}
		out = append(out, r)
	}
	return out
}

func videoResults(items []*youtube.SearchResult) []plugins.Result {
	out := make([]plugins.Result, 0, len(items))
	for _, it := range items {
		if it.Id == nil || it.Id.VideoId == "" {
			continue
		}
		r := plugins.Result{Link: "https://www.youtube.com/watch?v=" + it.Id.VideoId}
		if it.Snippet != nil {
			r.Title = it.Snippet.Title
			r.Snippet = it.Snippet.Description
			r.Source = it.Snippet.ChannelTitle
		}
		out = append(out, r)
	}
	return out
}

func placeResults(items []maps.PlacesSearchResult) []plugins.Result {
	out := make([]plugins.Result, 0, len(items))
	for _, it := range items {
		r := plugins.Result{
			Title:   it.Name,
			Address: it.FormattedAddress,
			Rating:  float64(it.Rating),
		}
		if it.PlaceID != "" {
			r.Link = "https://www.google.com/maps/search/?api=1&query=Google&query_place_id=" + it.PlaceID
		}
		out = append(out, r)
	}
	return out
}

func thumbnail(pagemap []byte) string {
	if len(pagemap) == 0 {
		return ""
	}
	var pm struct {
		Thumbs []struct {
			Src string `json:"src"`
		} `json:"cse_thumbnail"`
	}
	if err := json.Unmarshal(pagemap, &pm); err != nil || len(pm.Thumbs) == 0 {
		return ""
	}
	return pm.Thumbs[0].Src
}

func filename(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}
