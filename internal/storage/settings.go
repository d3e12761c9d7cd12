package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const (
	scopeChannel = "channel"
	scopeUser    = "user"
)

// Scope addresses one settings document, either a channel's or a user's.
// Every write loads the whole document, changes it and stores it back, so two
// concurrent writers to the same scope resolve as last write wins.
type Scope struct {
	store *Store
	kind  string
	id    string
}

func (s *Store) Channel(channelID string) Scope {
	return Scope{store: s, kind: scopeChannel, id: channelID}
}

func (s *Store) User(userID string) Scope {
	return Scope{store: s, kind: scopeUser, id: userID}
}

// Exists reports whether anything has been written for the scope.
func (sc Scope) Exists(ctx context.Context) (bool, error) {
	_, found, err := sc.load(ctx)
	return found, err
}

// Get decodes the value stored under key into out. When the key is absent out
// is left as the caller set it, which is how defaults are supplied.
func (sc Scope) Get(ctx context.Context, key string, out any) (bool, error) {
	doc, _, err := sc.load(ctx)
	if err != nil {
		return false, err
	}
	raw, ok := doc[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s setting %q: %w", sc.kind, key, err)
	}
	return true, nil
}

func (sc Scope) Set(ctx context.Context, key string, value any) error {
	return sc.SetMany(ctx, map[string]any{key: value})
}

func (sc Scope) SetMany(ctx context.Context, values map[string]any) error {
	doc, _, err := sc.load(ctx)
	if err != nil {
		return err
	}
	for key, value := range values {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s setting %q: %w", sc.kind, key, err)
		}
		doc[key] = raw
	}
	return sc.save(ctx, doc)
}

// Reset drops every stored key, so subsequent reads return defaults.
func (sc Scope) Reset(ctx context.Context) error {
	q := sc.store.sql.Delete("settings").
		Where(sq.Eq{"scope": sc.kind, "scope_id": sc.id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build reset settings query: %w", err)
	}
	if _, err := sc.store.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("reset %s settings: %w", sc.kind, err)
	}
	return nil
}

// decode overlays the stored document on out.
func (sc Scope) decode(ctx context.Context, out any) error {
	doc, found, err := sc.load(ctx)
	if err != nil || !found {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s settings: %w", sc.kind, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s settings: %w", sc.kind, err)
	}
	return nil
}

func (sc Scope) load(ctx context.Context) (map[string]json.RawMessage, bool, error) {
	q := sc.store.sql.Select("data_json").
		From("settings").
		Where(sq.Eq{"scope": sc.kind, "scope_id": sc.id})
	query, args, err := q.ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("build load settings query: %w", err)
	}

	var raw string
	if err := sc.store.db.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return map[string]json.RawMessage{}, false, nil
		}
		return nil, false, fmt.Errorf("load %s settings: %w", sc.kind, err)
	}
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false, fmt.Errorf("decode %s settings document: %w", sc.kind, err)
	}
	return doc, true, nil
}

func (sc Scope) save(ctx context.Context, doc map[string]json.RawMessage) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s settings document: %w", sc.kind, err)
	}
	q := sc.store.sql.Insert("settings").
		Columns("scope", "scope_id", "data_json", "updated_at").
		Values(sc.kind, sc.id, string(raw), nowExpr(sc.store.driver)).
		Suffix("ON CONFLICT(scope, scope_id) DO UPDATE SET data_json=excluded.data_json, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build save settings query: %w", err)
	}
	if _, err := sc.store.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("save %s settings: %w", sc.kind, err)
	}
	return nil
}

func (s *Store) DefaultChannelSettings() ChannelSettings {
	return ChannelSettings{
		Language:     DefaultLanguage,
		Autorespond:  true,
		HistoryDepth: DefaultHistoryDepth,
		Plugins:      append([]string(nil), s.defaultPlugins...),
	}
}

// ChannelSettings returns the effective settings of a channel. A channel that
// was never configured gets the defaults and nothing is written.
func (s *Store) ChannelSettings(ctx context.Context, channelID string) (ChannelSettings, error) {
	out := s.DefaultChannelSettings()
	if err := s.Channel(channelID).decode(ctx, &out); err != nil {
		return ChannelSettings{}, err
	}
	if out.HistoryDepth <= 0 {
		out.HistoryDepth = DefaultHistoryDepth
	}
	return out, nil
}

func (s *Store) UserSettings(ctx context.Context, userID string) (UserSettings, error) {
	out := UserSettings{Language: DefaultLanguage}
	if err := s.User(userID).decode(ctx, &out); err != nil {
		return UserSettings{}, err
	}
	return out, nil
}

// SaveTimezone caches a timezone derived from the channel's location.
func (s *Store) SaveTimezone(ctx context.Context, channelID, tz string) error {
	return s.Channel(channelID).Set(ctx, KeyTimezone, tz)
}

// HasChannelSettings reports whether the channel has its own row. Threads
// without one inherit the parent channel's settings.
func (s *Store) HasChannelSettings(ctx context.Context, channelID string) (bool, error) {
	return s.Channel(channelID).Exists(ctx)
}

// MarkInformed records that the user was told no model is available to them.
func (s *Store) MarkInformed(ctx context.Context, userID string) error {
	return s.User(userID).Set(ctx, KeyInformed, true)
}
