package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

func (s *Store) PutCredential(ctx context.Context, c Credential) error {
	q := s.sql.Insert("credentials").
		Columns("user_id", "key_name", "sealed_value", "updated_at").
		Values(c.UserID, c.KeyName, c.SealedValue, nowExpr(s.driver)).
		Suffix("ON CONFLICT(user_id, key_name) DO UPDATE SET sealed_value=excluded.sealed_value, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build put credential query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, userID, keyName string) (Credential, error) {
	q := s.sql.Select("sealed_value").
		From("credentials").
		Where(sq.Eq{"user_id": userID, "key_name": keyName})
	query, args, err := q.ToSql()
	if err != nil {
		return Credential{}, fmt.Errorf("build get credential query: %w", err)
	}

	c := Credential{UserID: userID, KeyName: keyName}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&c.SealedValue); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

func (s *Store) DeleteCredential(ctx context.Context, userID, keyName string) error {
	q := s.sql.Delete("credentials").Where(sq.Eq{"user_id": userID, "key_name": keyName})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete credential query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCredentials returns every credential, or only the given user's when
// userID is not empty.
func (s *Store) ListCredentials(ctx context.Context, userID string) ([]Credential, error) {
	q := s.sql.Select("user_id", "key_name", "sealed_value").
		From("credentials").
		OrderBy("user_id", "key_name")
	if userID != "" {
		q = q.Where(sq.Eq{"user_id": userID})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list credentials query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	out := make([]Credential, 0)
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.UserID, &c.KeyName, &c.SealedValue); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" || !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("channel_id", "user_id", "action", "meta_json").
		Values(e.ChannelID, e.UserID, e.Action, e.MetaJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListActions(ctx context.Context, channelID string, limit uint64) ([]AuditEntry, error) {
	q := s.sql.Select("channel_id", "user_id", "action", "meta_json").
		From("audit_log").
		Where(sq.Eq{"channel_id": channelID}).
		OrderBy("id DESC").
		Limit(limit)
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list actions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ChannelID, &e.UserID, &e.Action, &e.MetaJSON); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
