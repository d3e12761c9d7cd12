package geo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"googlemaps.github.io/maps"
)

var ErrNotFound = errors.New("location not found")

type Config struct {
	APIKey   string
	Redis    *redis.Client
	CacheTTL time.Duration
	Logger   zerolog.Logger
	// MapsOptions are appended when building the maps client.
	MapsOptions []maps.ClientOption
}

// Resolver turns a free-form location into an IANA timezone name.
// Answers are cached in redis when a client is configured.
type Resolver struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
	lookup func(ctx context.Context, location string) (string, error)
}

func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * 24 * time.Hour
	}
	r := &Resolver{
		rdb:    cfg.Redis,
		ttl:    cfg.CacheTTL,
		logger: cfg.Logger.With().Str("component", "geo").Logger(),
	}
	if cfg.APIKey == "" {
		r.lookup = func(context.Context, string) (string, error) {
			return "", fmt.Errorf("geocoding disabled: no api key")
		}
		return r, nil
	}
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(cfg.APIKey)}, cfg.MapsOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("maps client: %w", err)
	}
	r.lookup = func(ctx context.Context, location string) (string, error) {
		return mapsLookup(ctx, client, location)
	}
	return r, nil
}

func (r *Resolver) Timezone(ctx context.Context, location string) (string, error) {
	norm := normalize(location)
	if norm == "" {
		return "", ErrNotFound
	}
	key := "kittybot:tz:" + norm

	if r.rdb != nil {
		tz, err := r.rdb.Get(ctx, key).Result()
		if err == nil {
			return tz, nil
		}
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn().Err(err).Msg("timezone cache read failed")
		}
	}

	tz, err := r.lookup(ctx, location)
	if err != nil {
		return "", err
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", fmt.Errorf("resolve %q: unknown zone %q", location, tz)
	}
	if r.rdb != nil {
		if err := r.rdb.Set(ctx, key, tz, r.ttl).Err(); err != nil {
			r.logger.Warn().Err(err).Msg("timezone cache write failed")
		}
	}
	r.logger.Debug().Str("location", location).Str("tz", tz).Msg("timezone resolved")
	return tz, nil
}

func mapsLookup(ctx context.Context, client *maps.Client, location string) (string, error) {
	results, err := client.Geocode(ctx, &maps.GeocodingRequest{Address: location})
	if err != nil {
		return "", fmt.Errorf("geocode %q: %w", location, err)
	}
	if len(results) == 0 {
		return "", ErrNotFound
	}
	ll := results[0].Geometry.Location
	res, err := client.Timezone(ctx, &maps.TimezoneRequest{Location: &ll, Timestamp: time.Now()})
	if err != nil {
		return "", fmt.Errorf("timezone %q: %w", location, err)
	}
	if res.TimeZoneID == "" {
		return "", ErrNotFound
	}
	return res.TimeZoneID, nil
}

func normalize(location string) string {
	return strings.Join(strings.Fields(strings.ToLower(location)), " ")
}
