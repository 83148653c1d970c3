// ABOUTME: Tests for the latest-context cache
// ABOUTME: Covers overwrite ordering, TTL expiry, eviction and concurrent puts

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

func entry(id int64, agent, ctype string, data any) *store.ContextEntry {
	return &store.ContextEntry{ID: id, AgentID: agent, ContextType: ctype, Data: data, Priority: 1}
}

func TestLatest_PutAndGet(t *testing.T) {
	c := New(time.Hour, 10)
	defer c.Close()

	_, ok := c.GetLatest("cam-1", "face_detected")
	assert.False(t, ok)

	c.Put(entry(1, "cam-1", "face_detected", "Pierre"))
	c.Put(entry(2, "cam-1", "face_detected", "Marie"))
	c.Put(entry(3, "cam-1", "motion", "door"))

	got, ok := c.GetLatest("cam-1", "face_detected")
	require.True(t, ok)
	assert.Equal(t, int64(2), got.ID)
	assert.Equal(t, "Marie", got.Data)

	got, ok = c.GetLatest("cam-1", "motion")
	require.True(t, ok)
	assert.Equal(t, "door", got.Data)
}

func TestLatest_OlderEntryDoesNotOverwrite(t *testing.T) {
	c := New(time.Hour, 10)
	defer c.Close()

	c.Put(entry(5, "cam-1", "face_detected", "new"))
	c.Put(entry(4, "cam-1", "face_detected", "old"))

	got, ok := c.GetLatest("cam-1", "face_detected")
	require.True(t, ok)
	assert.Equal(t, int64(5), got.ID)
}

func TestLatest_ReturnsCopies(t *testing.T) {
	c := New(time.Hour, 10)
	defer c.Close()

	c.Put(entry(1, "cam-1", "t", "a"))
	got, _ := c.GetLatest("cam-1", "t")
	got.Data = "mutated"

	again, _ := c.GetLatest("cam-1", "t")
	assert.Equal(t, "a", again.Data)
}

func TestLatest_TTL(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Put(entry(1, "cam-1", "t", "a"))
	_, ok := c.GetLatest("cam-1", "t")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.GetLatest("cam-1", "t")
	assert.False(t, ok, "expired entries are misses")
	assert.Empty(t, c.Snapshot())

	c.runCleanup()
	assert.Equal(t, 0, c.Len())
}

func TestLatest_EvictsLeastRecentlyWritten(t *testing.T) {
	c := New(time.Hour, 2)
	defer c.Close()

	c.Put(entry(1, "a", "t", 1))
	c.Put(entry(2, "b", "t", 2))
	c.Put(entry(3, "a", "t", 3)) // refreshes a
	c.Put(entry(4, "c", "t", 4)) // evicts b

	_, ok := c.GetLatest("b", "t")
	assert.False(t, ok)
	_, ok = c.GetLatest("a", "t")
	assert.True(t, ok)
	_, ok = c.GetLatest("c", "t")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestLatest_Snapshot(t *testing.T) {
	c := New(time.Hour, 10)
	defer c.Close()

	c.Put(entry(1, "cam-1", "face_detected", "x"))
	c.Put(entry(2, "mic-1", "user_speech", "y"))

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "mic-1", snap[0].AgentID, "newest write first")
}

func TestLatest_ConcurrentPutsKeepNewest(t *testing.T) {
	c := New(time.Hour, 100)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 1; i <= 200; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			c.Put(entry(id, "cam-1", "t", fmt.Sprint(id)))
		}(int64(i))
	}
	wg.Wait()

	got, ok := c.GetLatest("cam-1", "t")
	require.True(t, ok)
	assert.Equal(t, int64(200), got.ID)
}

func TestLatest_CloseIsIdempotent(t *testing.T) {
	c := New(time.Hour, 10)
	assert.NoError(t, c.Ping())

	c.Close()
	c.Close()

	assert.ErrorIs(t, c.Ping(), ErrClosed)
	c.Put(entry(1, "cam-1", "t", "a"))
	assert.Equal(t, 0, c.Len())
}
