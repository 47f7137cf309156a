package stores

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisSink(t *testing.T, opts ...RedisOption) (*RedisSink, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	sink := NewRedisSinkFromClient(client, opts...)
	t.Cleanup(func() { _ = sink.Close() })
	return sink, mr
}

func TestRedisSink_PushAndRecent(t *testing.T) {
	sink, mr := setupRedisSink(t, WithKey("test:events"))
	ctx := context.Background()

	require.NoError(t, sink.Ping(ctx))

	for i := 1; i <= 3; i++ {
		err := sink.Push(ctx, &Event{
			RunID:    "run-1",
			Step:     int64(i),
			Phase:    "DRAIN",
			Kind:     "cvcs.lineup",
			Severity: "INFO",
			Message:  fmt.Sprintf("event %d", i),
		})
		require.NoError(t, err)
	}

	assert.True(t, mr.Exists("test:events"))
	n, err := sink.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	recent, err := sink.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(3), recent[0].Step, "newest first")
	assert.Equal(t, int64(2), recent[1].Step)
	assert.Equal(t, "event 3", recent[0].Message)

	none, err := sink.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRedisSink_TrimsToMaxLen(t *testing.T) {
	sink, _ := setupRedisSink(t, WithMaxLen(5))
	ctx := context.Background()

	for i := 1; i <= 12; i++ {
		require.NoError(t, sink.Push(ctx, &Event{RunID: "run-1", Step: int64(i)}))
	}

	n, err := sink.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	recent, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 5)
	assert.Equal(t, int64(12), recent[0].Step)
	assert.Equal(t, int64(8), recent[4].Step)
}

func TestRedisSink_Defaults(t *testing.T) {
	sink, _ := setupRedisSink(t)
	assert.Equal(t, "bubbleform:events", sink.Key())
	assert.Equal(t, int64(10000), sink.maxLen)
	assert.Equal(t, 2*time.Second, sink.timeout)
}

func TestRedisSink_ServerDown(t *testing.T) {
	sink, mr := setupRedisSink(t, WithTimeout(200*time.Millisecond))
	mr.Close()

	err := sink.Push(context.Background(), &Event{RunID: "run-1"})
	assert.Error(t, err)
	assert.Error(t, sink.Ping(context.Background()))
}

func TestRedisSink_CorruptEntry(t *testing.T) {
	sink, mr := setupRedisSink(t)
	_, err := mr.Lpush(sink.Key(), "not json")
	require.NoError(t, err)

	_, err = sink.Recent(context.Background(), 1)
	assert.Error(t, err)
}
