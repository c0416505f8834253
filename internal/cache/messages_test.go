package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantum-server/internal/models"
)

type memoryBackend struct {
	data    map[string][]byte
	ttls    map[string]time.Duration
	failing bool
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (b *memoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if b.failing {
		return nil, false, errors.New("backend down")
	}
	val, ok := b.data[key]
	return val, ok, nil
}

func (b *memoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if b.failing {
		return errors.New("backend down")
	}
	b.data[key] = value
	b.ttls[key] = ttl
	return nil
}

func (b *memoryBackend) Delete(ctx context.Context, key string) error {
	if b.failing {
		return errors.New("backend down")
	}
	delete(b.data, key)
	return nil
}

func countingCompute(result []models.ChatMessage, calls *int) func(context.Context) ([]models.ChatMessage, error) {
	return func(context.Context) ([]models.ChatMessage, error) {
		*calls++
		return result, nil
	}
}

func TestReadThroughPopulatesOnMiss(t *testing.T) {
	backend := newMemoryBackend()
	c := NewMessageCache(backend, 180*time.Second, true)
	chatID := uuid.New()
	history := []models.ChatMessage{{From: "alice", Body: "hi", CreatedAt: time.Now().UTC()}}
	calls := 0

	got, err := c.ReadThrough(context.Background(), chatID, countingCompute(history, &calls))
	require.NoError(t, err)
	assert.Equal(t, history, got)
	assert.Equal(t, 1, calls)

	key := messagesKey(chatID)
	require.Contains(t, backend.data, key)
	assert.Equal(t, 180*time.Second, backend.ttls[key])
}

func TestReadThroughServesHitWithoutRecompute(t *testing.T) {
	backend := newMemoryBackend()
	c := NewMessageCache(backend, time.Minute, true)
	chatID := uuid.New()
	history := []models.ChatMessage{{From: "alice", Body: "hi", CreatedAt: time.Now().UTC()}}
	calls := 0

	_, err := c.ReadThrough(context.Background(), chatID, countingCompute(history, &calls))
	require.NoError(t, err)

	got, err := c.ReadThrough(context.Background(), chatID, countingCompute(nil, &calls))
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second read must come from the cache")
	assert.Equal(t, "hi", got[0].Body)
}

func TestInvalidateForcesRecompute(t *testing.T) {
	backend := newMemoryBackend()
	c := NewMessageCache(backend, time.Minute, true)
	chatID := uuid.New()
	history := []models.ChatMessage{{From: "alice", Body: "hi"}}
	calls := 0

	_, err := c.ReadThrough(context.Background(), chatID, countingCompute(history, &calls))
	require.NoError(t, err)

	c.Invalidate(context.Background(), chatID)
	assert.NotContains(t, backend.data, messagesKey(chatID))

	updated := append(history, models.ChatMessage{From: "bob", Body: "yo"})
	got, err := c.ReadThrough(context.Background(), chatID, countingCompute(updated, &calls))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, got, 2)
}

func TestEmptySnapshotTreatedAsMiss(t *testing.T) {
	backend := newMemoryBackend()
	chatID := uuid.New()
	empty, err := json.Marshal([]models.ChatMessage{})
	require.NoError(t, err)
	backend.data[messagesKey(chatID)] = empty

	c := NewMessageCache(backend, time.Minute, true)
	history := []models.ChatMessage{{From: "alice", Body: "hi"}}
	calls := 0

	got, err := c.ReadThrough(context.Background(), chatID, countingCompute(history, &calls))
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "empty snapshot must not satisfy the read")
	assert.Len(t, got, 1)
}

func TestEmptySnapshotHonoredWhenSkipDisabled(t *testing.T) {
	backend := newMemoryBackend()
	chatID := uuid.New()
	empty, err := json.Marshal([]models.ChatMessage{})
	require.NoError(t, err)
	backend.data[messagesKey(chatID)] = empty

	c := NewMessageCache(backend, time.Minute, false)
	calls := 0

	got, err := c.ReadThrough(context.Background(), chatID, countingCompute(nil, &calls))
	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.Empty(t, got)
}

func TestBackendFailureDegradesToCompute(t *testing.T) {
	backend := newMemoryBackend()
	backend.failing = true
	c := NewMessageCache(backend, time.Minute, true)
	chatID := uuid.New()
	history := []models.ChatMessage{{From: "alice", Body: "hi"}}
	calls := 0

	got, err := c.ReadThrough(context.Background(), chatID, countingCompute(history, &calls))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Len(t, got, 1)

	// invalidation against a failing backend must not panic or error out
	c.Invalidate(context.Background(), chatID)
}

func TestCorruptPayloadRecomputes(t *testing.T) {
	backend := newMemoryBackend()
	chatID := uuid.New()
	backend.data[messagesKey(chatID)] = []byte("{broken")

	c := NewMessageCache(backend, time.Minute, true)
	history := []models.ChatMessage{{From: "alice", Body: "hi"}}
	calls := 0

	got, err := c.ReadThrough(context.Background(), chatID, countingCompute(history, &calls))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Len(t, got, 1)
}
