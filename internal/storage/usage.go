package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// AddUsage accumulates tokens and cost into the user's current period.
func (s *Store) AddUsage(ctx context.Context, userID string, tokens int64, cost float64) error {
	q := s.sql.Insert("usage_totals").
		Columns("user_id", "monthly_tokens", "monthly_cost", "updated_at").
		Values(userID, tokens, cost, nowExpr(s.driver)).
		Suffix("ON CONFLICT(user_id) DO UPDATE SET " +
			"monthly_tokens = usage_totals.monthly_tokens + excluded.monthly_tokens, " +
			"monthly_cost = usage_totals.monthly_cost + excluded.monthly_cost, " +
			"updated_at = excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build add usage query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

// Usage returns zero totals for users that never consumed anything.
func (s *Store) Usage(ctx context.Context, userID string) (UsageTotals, error) {
	q := s.sql.Select("user_id", "monthly_tokens", "monthly_cost", "past_tokens_json", "past_cost_json").
		From("usage_totals").
		Where(sq.Eq{"user_id": userID})
	query, args, err := q.ToSql()
	if err != nil {
		return UsageTotals{}, fmt.Errorf("build usage query: %w", err)
	}
	u, err := scanUsage(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return UsageTotals{UserID: userID, PastTokens: []int64{}, PastCost: []float64{}}, nil
	}
	if err != nil {
		return UsageTotals{}, fmt.Errorf("get usage: %w", err)
	}
	return u, nil
}

func (s *Store) ListUsage(ctx context.Context) ([]UsageTotals, error) {
	q := s.sql.Select("user_id", "monthly_tokens", "monthly_cost", "past_tokens_json", "past_cost_json").
		From("usage_totals").
		OrderBy("monthly_tokens DESC", "user_id")
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list usage query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	out := make([]UsageTotals, 0)
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// RollUsagePeriod closes the current period for every user: monthly totals
// are appended to the history arrays and reset to zero.
func (s *Store) RollUsagePeriod(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin rollover: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := s.sql.Select("user_id", "monthly_tokens", "monthly_cost", "past_tokens_json", "past_cost_json").
		From("usage_totals")
	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build rollover select: %w", err)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("select usage for rollover: %w", err)
	}
	var all []UsageTotals
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan usage for rollover: %w", err)
		}
		all = append(all, u)
	}
	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("close rollover rows: %w", err)
	}

	for _, u := range all {
		pastTokens, err := json.Marshal(append(u.PastTokens, u.MonthlyTokens))
		if err != nil {
			return 0, fmt.Errorf("encode past tokens: %w", err)
		}
		pastCost, err := json.Marshal(append(u.PastCost, u.MonthlyCost))
		if err != nil {
			return 0, fmt.Errorf("encode past cost: %w", err)
		}
		upd := s.sql.Update("usage_totals").
			Set("monthly_tokens", 0).
			Set("monthly_cost", 0).
			Set("past_tokens_json", string(pastTokens)).
			Set("past_cost_json", string(pastCost)).
			Set("updated_at", nowExpr(s.driver)).
			Where(sq.Eq{"user_id": u.UserID})
		sqlStr, args, err := upd.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build rollover update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return 0, fmt.Errorf("roll usage for %s: %w", u.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rollover: %w", err)
	}
	return len(all), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUsage(row rowScanner) (UsageTotals, error) {
	var (
		u                    UsageTotals
		pastTokens, pastCost string
	)
	if err := row.Scan(&u.UserID, &u.MonthlyTokens, &u.MonthlyCost, &pastTokens, &pastCost); err != nil {
		return UsageTotals{}, err
	}
	u.PastTokens = []int64{}
	u.PastCost = []float64{}
	if err := json.Unmarshal([]byte(pastTokens), &u.PastTokens); err != nil {
		return UsageTotals{}, fmt.Errorf("decode past tokens: %w", err)
	}
	if err := json.Unmarshal([]byte(pastCost), &u.PastCost); err != nil {
		return UsageTotals{}, fmt.Errorf("decode past cost: %w", err)
	}
	return u, nil
}
