package redis_test

import (
	"context"
	"io"
	"os"
	"strconv"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/care-billing/billing"
	"github.com/warp/care-billing/store/redis"
)

// These tests need a live server: REDIS_ADDRESS=localhost:6379 go test ./store/redis/

func connect(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		t.Skip("REDIS_ADDRESS not set")
	}
	rdb, err := redis.Connect(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// testYear picks a year no real case will use so runs do not collide.
func testYear(t *testing.T, rdb *goredis.Client) int {
	year := 5000 + int(time.Now().UnixNano()%100000)
	t.Cleanup(func() {
		rdb.Del(context.Background(), "billing:case_seq:"+strconv.Itoa(year))
	})
	return year
}

func TestSequences_StartAtFirstCaseSequence(t *testing.T) {
	rdb := connect(t)
	seq := redis.NewSequences(rdb)
	ctx := context.Background()
	year := testYear(t, rdb)

	first, err := seq.NextSequence(ctx, year)
	require.NoError(t, err)
	second, err := seq.NextSequence(ctx, year)
	require.NoError(t, err)

	assert.Equal(t, int64(billing.FirstCaseSequence), first)
	assert.Equal(t, first+1, second)
}

func TestSequences_Seed(t *testing.T) {
	rdb := connect(t)
	seq := redis.NewSequences(rdb)
	ctx := context.Background()
	year := testYear(t, rdb)

	require.NoError(t, seq.Seed(ctx, year, 1042))
	next, err := seq.NextSequence(ctx, year)
	require.NoError(t, err)
	assert.Equal(t, int64(1042), next)

	// Seeding below the current value is a no-op.
	require.NoError(t, seq.Seed(ctx, year, 1001))
	next, err = seq.NextSequence(ctx, year)
	require.NoError(t, err)
	assert.Equal(t, int64(1043), next)
}

func TestLocker_ContendedKeyTimesOut(t *testing.T) {
	rdb := connect(t)
	locker := redis.NewLocker(rdb, 5*time.Second, 100*time.Millisecond, quiet())
	ctx := context.Background()
	key := "case:test-" + billing.NewID()

	unlock, err := locker.Lock(ctx, key)
	require.NoError(t, err)

	_, err = locker.Lock(ctx, key)
	assert.ErrorIs(t, err, billing.ErrLockNotObtained)

	unlock()
	unlock2, err := locker.Lock(ctx, key)
	require.NoError(t, err)
	unlock2()
}
