package util

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nalgeon/be"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestDeduperAcquireOnce(t *testing.T) {
	mr, rdb := newTestRedis(t)
	d := NewDeduper(rdb, time.Minute, nil)
	ctx := context.Background()

	be.True(t, d.AcquireOnce(ctx, "ingest", "msg-1"))
	be.True(t, !d.AcquireOnce(ctx, "ingest", "msg-1"))
	be.True(t, d.AcquireOnce(ctx, "ingest", "msg-2"))

	mr.FastForward(2 * time.Minute)
	be.True(t, d.AcquireOnce(ctx, "ingest", "msg-1"))
}

func TestDeduperRelease(t *testing.T) {
	_, rdb := newTestRedis(t)
	d := NewDeduper(rdb, time.Minute, nil)
	ctx := context.Background()

	be.True(t, d.AcquireOnce(ctx, "ingest", "msg-1"))
	d.Release(ctx, "ingest", "msg-1")
	be.True(t, d.AcquireOnce(ctx, "ingest", "msg-1"))
}

func TestDeduperFailsOpen(t *testing.T) {
	mr, rdb := newTestRedis(t)
	d := NewDeduper(rdb, time.Minute, nil)
	mr.Close()

	be.True(t, d.AcquireOnce(context.Background(), "ingest", "msg-1"))
	be.True(t, d.AcquireOnce(context.Background(), "ingest", "msg-1"))
}

func TestRetryCounter(t *testing.T) {
	mr, rdb := newTestRedis(t)
	rc := NewRetryCounter(rdb, time.Hour)
	ctx := context.Background()
	key := FormatRetryKey("extract", "msg-1")
	be.Equal(t, key, "retry:extract:msg-1")

	n, err := rc.Get(ctx, key)
	be.Err(t, err, nil)
	be.Equal(t, n, int64(0))

	n, _ = rc.IncrementAndGet(ctx, key)
	be.Equal(t, n, int64(1))
	n, _ = rc.IncrementAndGet(ctx, key)
	be.Equal(t, n, int64(2))
	be.True(t, mr.TTL(key) > 0)

	be.Err(t, rc.Reset(ctx, key), nil)
	n, _ = rc.Get(ctx, key)
	be.Equal(t, n, int64(0))
}
