package changes

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// publishScript numbers and stores a change in one step, so a change is
// never visible before every lower-numbered one.
var publishScript = redis.NewScript(`
local seq = redis.call("INCR", KEYS[2])
redis.call("ZADD", KEYS[1], seq, ARGV[1])
return seq
`)

// RedisQueue keeps each session's changes in a sorted set scored by their
// sequence, with the last assigned sequence in a counter next to it.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisQueue returns a queue storing under "<prefix>:{<session>}".
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "sectioning:changes"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

// key and seqKey share a hash tag so the publish script stays in one slot.
func (q *RedisQueue) key(session int64) string {
	return q.prefix + ":{" + strconv.FormatInt(session, 10) + "}"
}

func (q *RedisQueue) seqKey(session int64) string { return q.key(session) + ":seq" }

func (q *RedisQueue) Publish(ctx context.Context, c Change) error {
	if err := prepare(&c); err != nil {
		return fmt.Errorf("publish %s: %w", c.Kind, err)
	}
	data, err := Encode(c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	keys := []string{q.key(c.Session), q.seqKey(c.Session)}
	if err := publishScript.Run(ctx, q.client, keys, data).Err(); err != nil {
		return fmt.Errorf("publish %s to session %d: %w", c.Kind, c.Session, err)
	}
	return nil
}

func (q *RedisQueue) Since(ctx context.Context, session int64, after int64) ([]Change, error) {
	members, err := q.client.ZRangeByScoreWithScores(ctx, q.key(session), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(after, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read changes of session %d: %w", session, err)
	}
	out := make([]Change, 0, len(members))
	for _, m := range members {
		raw, ok := m.Member.(string)
		if !ok {
			return nil, fmt.Errorf("decode change: unexpected member %T", m.Member)
		}
		c, err := Decode([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode change: %w", err)
		}
		c.Seq = int64(m.Score)
		out = append(out, c)
	}
	return out, nil
}

func (q *RedisQueue) Last(ctx context.Context, session int64) (int64, error) {
	n, err := q.client.Get(ctx, q.seqKey(session)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sequence of session %d: %w", session, err)
	}
	return n, nil
}
