package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/crypto/bcrypt"
)

func TestHashAPIKey(t *testing.T) {
	hash, err := HashAPIKey("secret-key")
	require.NoError(t, err)
	assert.NotEqual(t, "secret-key", hash)

	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret-key")))
	assert.Error(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("wrong-key")))
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	assert.True(t, rl.Allow("tenant-a"))
	assert.True(t, rl.Allow("tenant-a"))
	assert.True(t, rl.Allow("tenant-a"))
	assert.False(t, rl.Allow("tenant-a"))

	// Keys are independent
	assert.True(t, rl.Allow("tenant-b"))
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	rl := NewRateLimiter(1, 50*time.Millisecond)

	assert.True(t, rl.Allow("tenant-a"))
	assert.False(t, rl.Allow("tenant-a"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.Allow("tenant-a"))
}

func TestRateLimiterSweepDropsIdleTenants(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond)
	require.True(t, rl.Allow("tenant-a"))

	time.Sleep(20 * time.Millisecond)
	rl.lastSweep = time.Now().Add(-sweepEvery)
	require.True(t, rl.Allow("tenant-b"))

	rl.mu.Lock()
	_, present := rl.tenants["tenant-a"]
	rl.mu.Unlock()
	assert.False(t, present, "expired tenants are swept on the next admission")
}
