package bans

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/sling/scid"
)

func TestBanAndSnapshot(t *testing.T) {
	s := New(10 * time.Second)
	now := time.Unix(1_700_000_000, 0)

	id := scid.New(100, 1, 0)
	require.False(t, s.IsBanned(id))

	s.Ban(id, now)
	require.True(t, s.IsBanned(id))

	snap := s.Snapshot()
	_, ok := snap[id]
	assert.True(t, ok)
	assert.Len(t, snap, 1)
}

func TestPruneExpiresOldEntries(t *testing.T) {
	s := New(10 * time.Second)
	now := time.Unix(1_700_000_000, 0)

	fresh := scid.New(1, 1, 0)
	stale := scid.New(2, 2, 0)

	s.Ban(stale, now)
	s.Ban(fresh, now.Add(9*time.Second))

	pruned := s.Prune(now.Add(11 * time.Second))
	assert.Equal(t, 1, pruned)
	assert.False(t, s.IsBanned(stale))
	assert.True(t, s.IsBanned(fresh))
}

func TestClearRemovesImmediately(t *testing.T) {
	s := New(10 * time.Second)
	now := time.Unix(1_700_000_000, 0)
	id := scid.New(1, 1, 0)

	s.Ban(id, now)
	s.Clear(id)
	assert.False(t, s.IsBanned(id))
}
