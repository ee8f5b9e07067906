package lock

import (
	"context"
	"testing"
	"time"

	"github.com/adfharrison1/collwrite/pkg/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceCatalog(t *testing.T) {
	catalog := NewResourceCatalog()
	rid := NewResourceId(ResourceCollection, "test.c")

	_, ok := catalog.Name(rid)
	assert.False(t, ok)

	catalog.Add(rid, "test.c")
	name, ok := catalog.Name(rid)
	require.True(t, ok)
	assert.Equal(t, "test.c", name)

	// A colliding name makes the lookup ambiguous.
	catalog.Add(rid, "test.other")
	_, ok = catalog.Name(rid)
	assert.False(t, ok)

	catalog.Remove(rid, "test.other")
	name, ok = catalog.Name(rid)
	require.True(t, ok)
	assert.Equal(t, "test.c", name)

	catalog.Remove(rid, "test.c")
	_, ok = catalog.Name(rid)
	assert.False(t, ok)
}

func TestModeCompatibility(t *testing.T) {
	manager := NewManager(nil)
	rid := NewResourceId(ResourceCollection, "test.c")
	ctx := context.Background()

	a := NewLocker(manager)
	b := NewLocker(manager)

	require.NoError(t, a.Lock(ctx, rid, ModeIX))
	require.NoError(t, b.Lock(ctx, rid, ModeIX))
	assert.True(t, a.IsCollectionLockedForMode("test.c", ModeIX))
	assert.True(t, a.IsCollectionLockedForMode("test.c", ModeIS))
	assert.False(t, a.IsCollectionLockedForMode("test.c", ModeX))

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	c := NewLocker(manager)
	err := c.Lock(timeout, rid, ModeX)
	require.Error(t, err)
	assert.Equal(t, status.LockTimeout, status.CodeOf(err))

	a.Unlock(rid)
	b.Unlock(rid)
	require.NoError(t, c.Lock(ctx, rid, ModeX))
	assert.Equal(t, ModeX, manager.GrantedMode(c.Id(), rid))
}

func TestExclusiveWaitsForRelease(t *testing.T) {
	manager := NewManager(nil)
	rid := NewResourceId(ResourceMetadata, "test.capped")
	ctx := context.Background()

	holder := NewLocker(manager)
	require.NoError(t, holder.Lock(ctx, rid, ModeX))

	acquired := make(chan error, 1)
	go func() {
		waiter := NewLocker(manager)
		acquired <- waiter.Lock(ctx, rid, ModeX)
	}()

	select {
	case <-acquired:
		t.Fatal("second X lock granted while the first is held")
	case <-time.After(20 * time.Millisecond):
	}

	holder.Unlock(rid)
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up")
	}
}

func TestReleaseDeferredUntilUnitOfWorkEnds(t *testing.T) {
	manager := NewManager(nil)
	rid := NewResourceId(ResourceMetadata, "test.capped")
	ctx := context.Background()

	locker := NewLocker(manager)
	locker.BeginWriteUnitOfWork()
	require.NoError(t, locker.Lock(ctx, rid, ModeX))
	assert.False(t, locker.Unlock(rid))
	assert.True(t, locker.IsLockHeldForMode(rid, ModeX))

	// Nested units of work keep the lock until the outermost one ends.
	locker.BeginWriteUnitOfWork()
	locker.EndWriteUnitOfWork()
	assert.True(t, locker.IsLockHeldForMode(rid, ModeX))

	locker.EndWriteUnitOfWork()
	assert.False(t, locker.IsLockHeldForMode(rid, ModeX))
	assert.Equal(t, ModeNone, manager.GrantedMode(locker.Id(), rid))
}

func TestRecursiveLockUpgrade(t *testing.T) {
	manager := NewManager(nil)
	rid := NewResourceId(ResourceCollection, "test.c")
	ctx := context.Background()

	locker := NewLocker(manager)
	require.NoError(t, locker.Lock(ctx, rid, ModeIS))
	require.NoError(t, locker.Lock(ctx, rid, ModeIX))
	assert.True(t, locker.IsLockHeldForMode(rid, ModeIX))

	assert.True(t, locker.Unlock(rid))
	assert.True(t, locker.IsLockHeldForMode(rid, ModeIX))
	assert.True(t, locker.Unlock(rid))
	assert.False(t, locker.IsLockHeldForMode(rid, ModeIS))
}
