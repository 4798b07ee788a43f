package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNonceStoreRejectsReplay(t *testing.T) {
	db, err := openDatabase(fmt.Sprintf("file:nonce-test-%d?mode=memory&cache=shared", time.Now().UnixNano()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewNonceStore(db, 10*time.Minute)
	store.now = func() time.Time { return now }

	require.NoError(t, store.CheckAndStore("ops", "n1", now))
	require.ErrorIs(t, store.CheckAndStore("ops", "n1", now), errReplay)
	require.NoError(t, store.CheckAndStore("other", "n1", now))
	require.Error(t, store.CheckAndStore("", "n2", now))

	now = now.Add(11 * time.Minute)
	require.NoError(t, store.CheckAndStore("ops", "n1", now))
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	require.True(t, rl.Allow("ops"))
	require.True(t, rl.Allow("ops"))
	require.False(t, rl.Allow("ops"))
	require.True(t, rl.Allow("other"))

	now = now.Add(61 * time.Second)
	require.True(t, rl.Allow("ops"))
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow("ops"))
	}
}
