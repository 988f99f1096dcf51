package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeenKey(t *testing.T) {
	assert.Equal(t, "order:seen:A-1", seenKey("A-1"))
}

func TestMarkOrderSeen(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Integration test - requires TEST_REDIS_ADDR")
	}
	c, err := NewClient(addr, "", 0)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	id := uuid.New().String()

	seen, err := c.IsOrderSeen(ctx, id)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, c.MarkOrderSeen(ctx, id, time.Minute))

	seen, err = c.IsOrderSeen(ctx, id)
	require.NoError(t, err)
	assert.True(t, seen)

	ttl, err := c.GetClient().TTL(ctx, seenKey(id)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
