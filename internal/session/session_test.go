package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calico/pkg/hermes"
)

type colorWait struct {
	Question string `json:"question"`
}

func TestHandleOf(t *testing.T) {
	h := HandleOf(&hermes.IntentMessage{IntentName: "Hello", SessionID: "s1", SiteID: "kitchen"})
	assert.Equal(t, Handle{SessionID: "s1", SiteID: "kitchen"}, h)

	h = HandleOfNotRecognized(&hermes.NotRecognized{SessionID: "s2", SiteID: "default"})
	assert.Equal(t, "s2", h.SessionID)
}

func TestTrackerBeginTake(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	defer store.Close()

	tr := NewTracker[colorWait]("colors", store, time.Minute)
	h := Handle{SessionID: "s1", SiteID: "default"}

	require.NoError(t, tr.Begin(ctx, h, colorWait{Question: "favorite"}))
	assert.True(t, tr.Owns(ctx, "s1"))
	assert.False(t, tr.Owns(ctx, "s2"))
	assert.Equal(t, 1, tr.Len())

	c, err := tr.Take(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, h, c.Handle)
	assert.Equal(t, "favorite", c.State.Question)
	assert.False(t, c.StartedAt.IsZero())

	_, err = tr.Take(ctx, "s1")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, 0, tr.Len())
}

func TestTrackerBeginSupersedes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	defer store.Close()

	tr := NewTracker[colorWait]("colors", store, time.Minute)
	h := Handle{SessionID: "s1"}

	require.NoError(t, tr.Begin(ctx, h, colorWait{Question: "first"}))
	_, err := tr.Retry(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, tr.Begin(ctx, h, colorWait{Question: "second"}))

	c, err := tr.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "second", c.State.Question)
	assert.Zero(t, c.Retries)
	assert.Equal(t, 1, tr.Len())
}

func TestTrackerSessionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	defer store.Close()

	colors := NewTracker[colorWait]("colors", store, time.Minute)
	other := NewTracker[int]("other", store, time.Minute)

	require.NoError(t, colors.Begin(ctx, Handle{SessionID: "a"}, colorWait{}))
	require.NoError(t, colors.Begin(ctx, Handle{SessionID: "b"}, colorWait{}))
	require.NoError(t, other.Begin(ctx, Handle{SessionID: "a"}, 7))

	assert.Equal(t, 2, colors.Len())
	assert.Equal(t, 1, other.Len())

	require.NoError(t, colors.Drop(ctx, "a"))
	assert.False(t, colors.Owns(ctx, "a"))
	assert.True(t, other.Owns(ctx, "a"))
	assert.True(t, colors.Owns(ctx, "b"))
}

func TestTrackerRequiresSession(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	tr := NewTracker[colorWait]("colors", store, 0)
	assert.ErrorIs(t, tr.Begin(context.Background(), Handle{}, colorWait{}), ErrNoSessionID)
	assert.False(t, tr.Owns(context.Background(), ""))
}

func TestSplitKey(t *testing.T) {
	tr := NewTracker[colorWait]("colors", nil, 0)

	name, id := SplitKey(tr.key("s1/extra"))
	assert.Equal(t, "colors", name)
	assert.Equal(t, "s1/extra", id)
}

func TestTrackerRetry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	defer store.Close()

	tr := NewTracker[colorWait]("colors", store, time.Minute)
	_, err := tr.Retry(ctx, "missing")
	assert.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, tr.Begin(ctx, Handle{SessionID: "s1"}, colorWait{}))
	for want := 1; want <= MaxRetries+1; want++ {
		n, err := tr.Retry(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	defer store.Close()

	now := time.Now()
	store.now = func() time.Time { return now }

	var expired []string
	store.OnExpire(func(key string) { expired = append(expired, key) })

	tr := NewTracker[colorWait]("colors", store, time.Minute)
	require.NoError(t, tr.Begin(ctx, Handle{SessionID: "s1"}, colorWait{}))
	require.NoError(t, tr.Begin(ctx, Handle{SessionID: "s2"}, colorWait{}))

	now = now.Add(30 * time.Second)
	require.NoError(t, tr.Begin(ctx, Handle{SessionID: "s2"}, colorWait{}))

	now = now.Add(45 * time.Second)
	assert.False(t, tr.Owns(ctx, "s1"))
	assert.True(t, tr.Owns(ctx, "s2"))

	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, []string{"colors/s1"}, expired)
	assert.Equal(t, 1, tr.Len())
}

func TestMemoryStoreSweeperRuns(t *testing.T) {
	store := NewMemoryStore(5 * time.Millisecond)
	defer store.Close()

	done := make(chan string, 1)
	store.OnExpire(func(key string) { done <- key })

	require.NoError(t, store.Set(context.Background(), "k", []byte("v"), time.Millisecond))

	select {
	case key := <-done:
		assert.Equal(t, "k", key)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not evict expired entry")
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	store, err := NewRedisStore(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	defer store.Close()

	tr := NewTracker[colorWait]("colors", store, time.Minute)
	require.NoError(t, tr.Begin(ctx, Handle{SessionID: "s1", SiteID: "den"}, colorWait{Question: "q"}))

	assert.True(t, mr.Exists("calico:colors/s1"))
	assert.True(t, tr.Owns(ctx, "s1"))
	assert.Equal(t, -1, tr.Len())

	n, err := tr.Retry(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := tr.Take(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "den", c.Handle.SiteID)
	assert.Equal(t, 1, c.Retries)
	assert.False(t, mr.Exists("calico:colors/s1"))

	require.NoError(t, tr.Begin(ctx, Handle{SessionID: "s2"}, colorWait{}))
	mr.FastForward(2 * time.Minute)
	assert.False(t, tr.Owns(ctx, "s2"))
}

func TestNewRedisStoreBadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "not-a-url")
	assert.Error(t, err)
}

func TestRetryPrompt(t *testing.T) {
	assert.Contains(t, retryPrompts, RetryPrompt())
}
