/*
Package redis provides the pieces of billing persistence that must be shared
across service instances: the per-key locker and the case-number allocator.

LOCKER:
  Locker obtains case:<id> and payout:<case>:<physician> keys with
  bsm/redislock. A lock is held for at most TTL; Lock waits up to Wait,
  retrying with a linear backoff, then gives up with
  billing.ErrLockNotObtained.

SEQUENCES:
  Sequences uses INCR on billing:case_seq:<year>. The first INCR returns 1,
  which is mapped to billing.FirstCaseSequence.
*/
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/care-billing/billing"
)

const (
	lockPrefix     = "billing:lock:"
	sequencePrefix = "billing:case_seq:"
)

// Connect opens a client and pings it.
func Connect(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		DB:       0,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return rdb, nil
}

// =============================================================================
// LOCKER
// =============================================================================

type Locker struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
	log    logrus.FieldLogger
}

func NewLocker(rdb *goredis.Client, ttl, wait time.Duration, log logrus.FieldLogger) *Locker {
	return &Locker{client: redislock.New(rdb), ttl: ttl, wait: wait, log: log}
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	obtainCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	lock, err := l.client.Obtain(obtainCtx, lockPrefix+key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(25 * time.Millisecond),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%s: %w", key, billing.ErrLockNotObtained)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	return func() {
		// Released with a fresh context: the caller's may already be done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.log.WithFields(logrus.Fields{
				"module": "redis",
				"func":   "Lock",
				"key":    key,
			}).WithError(err).Warn("failed to release lock")
		}
	}, nil
}

// =============================================================================
// SEQUENCES
// =============================================================================

type Sequences struct {
	rdb *goredis.Client
}

func NewSequences(rdb *goredis.Client) *Sequences {
	return &Sequences{rdb: rdb}
}

func (s *Sequences) NextSequence(ctx context.Context, year int) (int64, error) {
	n, err := s.rdb.Incr(ctx, sequencePrefix+strconv.Itoa(year)).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate sequence for %d: %w", year, err)
	}
	return n + billing.FirstCaseSequence - 1, nil
}

// Seed raises the year's counter so the next allocation is at least next.
// Used when moving allocation from SQLite to Redis.
func (s *Sequences) Seed(ctx context.Context, year int, next int64) error {
	key := sequencePrefix + strconv.Itoa(year)
	target := next - billing.FirstCaseSequence
	return s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		cur, err := tx.Get(ctx, key).Int64()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		if cur >= target {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, target, 0)
			return nil
		})
		return err
	}, key)
}
