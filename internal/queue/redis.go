package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	redis "github.com/redis/go-redis/v9"
)

// Redis stores each queue as a list plus a sorted set of delayed retries.
// Dedupe keys are SETNX entries that expire after KeyTTL in case a worker
// dies holding one.
type Redis struct {
	rdb    *redis.Client
	prefix string
	KeyTTL time.Duration
	now    func() time.Time
}

func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "fleetsync:"
	}
	return &Redis{rdb: rdb, prefix: prefix, KeyTTL: 6 * time.Hour, now: time.Now}
}

// NewRedisURL connects using a redis:// URL.
func NewRedisURL(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opt), nil
}

func (r *Redis) listKey(queue string) string    { return r.prefix + "queue:" + queue }
func (r *Redis) delayedKey(queue string) string { return r.prefix + "delayed:" + queue }
func (r *Redis) dedupeKey(key string) string    { return r.prefix + "dedupe:" + key }

func (r *Redis) Enqueue(ctx context.Context, t Task) (bool, error) {
	if err := prepare(&t); err != nil {
		return false, err
	}
	if t.Key != "" {
		ok, err := r.rdb.SetNX(ctx, r.dedupeKey(t.Key), t.ID, r.KeyTTL).Result()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	body, err := json.Marshal(t)
	if err != nil {
		return false, err
	}
	if err := r.rdb.LPush(ctx, r.listKey(t.Queue), body).Err(); err != nil {
		if t.Key != "" {
			_ = r.rdb.Del(ctx, r.dedupeKey(t.Key)).Err()
		}
		return false, err
	}
	return true, nil
}

func (r *Redis) Claim(ctx context.Context, queue string, n int) ([]Task, error) {
	if err := r.promote(ctx, queue); err != nil {
		return nil, err
	}
	vals, err := r.rdb.RPopCount(ctx, r.listKey(queue), n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(vals))
	for _, v := range vals {
		var t Task
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// promote moves due retries back onto the list.
func (r *Redis) promote(ctx context.Context, queue string) error {
	max := strconv.FormatInt(r.now().UnixMilli(), 10)
	due, err := r.rdb.ZRangeByScore(ctx, r.delayedKey(queue), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil || len(due) == 0 {
		return err
	}
	for _, v := range due {
		removed, err := r.rdb.ZRem(ctx, r.delayedKey(queue), v).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another worker took it
		}
		if err := r.rdb.LPush(ctx, r.listKey(queue), v).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) Complete(ctx context.Context, t Task) error {
	return r.release(ctx, t)
}

func (r *Redis) Fail(ctx context.Context, t Task, retryAt time.Time, dead bool) error {
	t.Attempts++
	if dead {
		body, _ := json.Marshal(t)
		_ = r.rdb.LPush(ctx, r.prefix+"dead", body).Err()
		return r.release(ctx, t)
	}
	t.NotBefore = retryAt
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return r.rdb.ZAdd(ctx, r.delayedKey(t.Queue), redis.Z{Score: float64(retryAt.UnixMilli()), Member: body}).Err()
}

var releaseScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`)

func (r *Redis) release(ctx context.Context, t Task) error {
	if t.Key == "" {
		return nil
	}
	return releaseScript.Run(ctx, r.rdb, []string{r.dedupeKey(t.Key)}, t.ID).Err()
}
