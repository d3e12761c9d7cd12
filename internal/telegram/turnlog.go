package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"kittybot/internal/providers"
)

// TurnLog keeps the last messages of each chat in redis. The Bot API has no
// way to read chat history, so every message the bot sees or sends is
// recorded here. Message ids only grow within a chat and serve as scores.
type TurnLog struct {
	redis *redis.Client
	size  int64
	ttl   time.Duration
}

type loggedTurn struct {
	Role providers.Role `json:"role"`
	Text string         `json:"text"`
}

func NewTurnLog(rdb *redis.Client, size int64, ttl time.Duration) *TurnLog {
	if size <= 0 {
		size = 50
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &TurnLog{redis: rdb, size: size, ttl: ttl}
}

func (l *TurnLog) orderKey(channel string) string {
	return fmt.Sprintf("kittybot:tg:turns:%s:order", channel)
}

func (l *TurnLog) textKey(channel string) string {
	return fmt.Sprintf("kittybot:tg:turns:%s:text", channel)
}

func (l *TurnLog) Append(ctx context.Context, channel string, messageID int64, role providers.Role, text string) error {
	raw, err := json.Marshal(loggedTurn{Role: role, Text: text})
	if err != nil {
		return err
	}
	id := strconv.FormatInt(messageID, 10)
	order, texts := l.orderKey(channel), l.textKey(channel)

	_, err = l.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, order, redis.Z{Score: float64(messageID), Member: id})
		p.HSet(ctx, texts, id, raw)
		p.Expire(ctx, order, l.ttl)
		p.Expire(ctx, texts, l.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return l.trim(ctx, channel)
}

// Update replaces the text of a logged message; unknown ids are ignored.
func (l *TurnLog) Update(ctx context.Context, channel string, messageID int64, text string) error {
	id := strconv.FormatInt(messageID, 10)
	raw, err := l.redis.HGet(ctx, l.textKey(channel), id).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load turn: %w", err)
	}
	var t loggedTurn
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return fmt.Errorf("decode turn: %w", err)
	}
	t.Text = text
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return l.redis.HSet(ctx, l.textKey(channel), id, b).Err()
}

func (l *TurnLog) Remove(ctx context.Context, channel string, messageID int64) error {
	id := strconv.FormatInt(messageID, 10)
	_, err := l.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, l.orderKey(channel), id)
		p.HDel(ctx, l.textKey(channel), id)
		return nil
	})
	return err
}

// Recent returns up to limit turns logged before messageID, oldest first.
// A beforeID of 0 means the latest turns.
func (l *TurnLog) Recent(ctx context.Context, channel string, beforeID int64, limit int) ([]providers.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	max := "+inf"
	if beforeID > 0 {
		max = "(" + strconv.FormatInt(beforeID, 10)
	}
	ids, err := l.redis.ZRevRangeByScore(ctx, l.orderKey(channel), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := l.redis.HMGet(ctx, l.textKey(channel), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}

	out := make([]providers.Message, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		s, ok := vals[i].(string)
		if !ok {
			continue
		}
		var t loggedTurn
		if err := json.Unmarshal([]byte(s), &t); err != nil || t.Text == "" {
			continue
		}
		out = append(out, providers.Message{Role: t.Role, Content: t.Text})
	}
	return out, nil
}

func (l *TurnLog) trim(ctx context.Context, channel string) error {
	order := l.orderKey(channel)
	stale, err := l.redis.ZRange(ctx, order, 0, -(l.size + 1)).Result()
	if err != nil {
		return fmt.Errorf("trim turns: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	members := make([]any, len(stale))
	for i, id := range stale {
		members[i] = id
	}
	_, err = l.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, order, members...)
		p.HDel(ctx, l.textKey(channel), stale...)
		return nil
	})
	return err
}
