package registry

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashtier-io/flashtier/pkg/devicehandle"
	"github.com/flashtier-io/flashtier/pkg/superblock"
)

func cacheSB(setUUID uuid.UUID, members uint64) *superblock.Superblock {
	return superblock.NewCache(setUUID, uuid.New(), 1, 1024, 1000, members)
}

func member(role superblock.Role) *Member {
	return &Member{
		DeviceUUID: uuid.New(),
		Role:       role,
		Handle:     &devicehandle.Handle{},
	}
}

func TestLookupOrCreate(t *testing.T) {
	r := New()
	setUUID := uuid.New()
	sb := cacheSB(setUUID, 2)

	set, created := r.LookupOrCreate(setUUID, sb)
	require.True(t, created)
	assert.Equal(t, setUUID, set.SetUUID)
	assert.Equal(t, uint64(2), set.ExpectedMembers)
	assert.Equal(t, Assembling, set.Status())

	again, created := r.LookupOrCreate(setUUID, sb)
	assert.False(t, created)
	assert.Same(t, set, again)
}

func TestLookupOrCreateConcurrent(t *testing.T) {
	r := New()
	setUUID := uuid.New()
	sb := cacheSB(setUUID, 2)

	const n = 32
	var wg sync.WaitGroup
	sets := make([]*CacheSet, n)
	var createdCount int32
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			set, created := r.LookupOrCreate(setUUID, sb)
			sets[i] = set
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), createdCount)
	for i := 1; i < n; i++ {
		assert.Same(t, sets[0], sets[i])
	}
}

func TestCheckCompatible(t *testing.T) {
	r := New()
	setUUID := uuid.New()
	set, _ := r.LookupOrCreate(setUUID, cacheSB(setUUID, 2))

	ok := cacheSB(setUUID, 2)
	assert.NoError(t, r.CheckCompatible(set, ok))

	badVersion := cacheSB(setUUID, 2)
	badVersion.Version = superblock.MinVersion
	assert.ErrorIs(t, r.CheckCompatible(set, badVersion), ErrGroupMismatch)

	badBlock := cacheSB(setUUID, 2)
	badBlock.BlockSize = 8
	assert.ErrorIs(t, r.CheckCompatible(set, badBlock), ErrGroupMismatch)

	badBucket := cacheSB(setUUID, 2)
	badBucket.BucketSize = 2048
	assert.ErrorIs(t, r.CheckCompatible(set, badBucket), ErrGroupMismatch)

	badMembers := cacheSB(setUUID, 3)
	assert.ErrorIs(t, r.CheckCompatible(set, badMembers), ErrGroupMismatch)

	// a backing device carries no bucket geometry, its zero bucket size
	// must not count as a mismatch
	backing := superblock.NewBacking(setUUID, uuid.New(), 1, 2)
	assert.NoError(t, r.CheckCompatible(set, backing))
}

func TestAttachDuplicateAndOverflow(t *testing.T) {
	r := New()
	setUUID := uuid.New()
	set, _ := r.LookupOrCreate(setUUID, cacheSB(setUUID, 2))

	m := member(superblock.RoleCache)
	require.NoError(t, r.Attach(set, m))

	// same device uuid into the same set
	dup := member(superblock.RoleCache)
	dup.DeviceUUID = m.DeviceUUID
	assert.ErrorIs(t, r.Attach(set, dup), ErrDuplicateDevice)

	// same device uuid into a different set
	otherUUID := uuid.New()
	other, _ := r.LookupOrCreate(otherUUID, cacheSB(otherUUID, 2))
	assert.ErrorIs(t, r.Attach(other, dup), ErrGroupMismatch)

	// the set never grows past its declared member count
	require.NoError(t, r.Attach(set, member(superblock.RoleBacking)))
	assert.ErrorIs(t, r.Attach(set, member(superblock.RoleBacking)), ErrGroupMismatch)
}

func TestMarkRunning(t *testing.T) {
	r := New()
	setUUID := uuid.New()
	set, _ := r.LookupOrCreate(setUUID, cacheSB(setUUID, 2))

	require.NoError(t, r.Attach(set, member(superblock.RoleCache)))
	transitioned, err := r.MarkRunning(setUUID)
	assert.False(t, transitioned)
	assert.ErrorIs(t, err, ErrNotYetComplete)
	assert.Equal(t, Assembling, set.Status())

	select {
	case <-set.Running():
		t.Fatal("running channel closed before the set was complete")
	default:
	}

	require.NoError(t, r.Attach(set, member(superblock.RoleBacking)))
	transitioned, err = r.MarkRunning(setUUID)
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, Running, set.Status())

	select {
	case <-set.Running():
	default:
		t.Fatal("running channel still open after the transition")
	}

	// idempotent, but only the first call reports the transition
	transitioned, err = r.MarkRunning(setUUID)
	require.NoError(t, err)
	assert.False(t, transitioned)

	_, err = r.MarkRunning(uuid.New())
	assert.ErrorIs(t, err, ErrSetNotFound)
}

func TestDetachAndRemoveIfEmpty(t *testing.T) {
	r := New()
	setUUID := uuid.New()
	set, _ := r.LookupOrCreate(setUUID, cacheSB(setUUID, 1))

	m := member(superblock.RoleCache)
	require.NoError(t, r.Attach(set, m))
	assert.False(t, r.RemoveIfEmpty(setUUID))

	got, ok := r.Detach(set, m.DeviceUUID)
	require.True(t, ok)
	assert.Same(t, m, got)
	_, ok = r.Detach(set, m.DeviceUUID)
	assert.False(t, ok)

	// the device uuid is free again once detached
	otherUUID := uuid.New()
	other, _ := r.LookupOrCreate(otherUUID, cacheSB(otherUUID, 1))
	assert.NoError(t, r.Attach(other, m))
	r.Detach(other, m.DeviceUUID)

	assert.True(t, r.RemoveIfEmpty(setUUID))
	_, ok = r.Lookup(setUUID)
	assert.False(t, ok)
	assert.False(t, r.RemoveIfEmpty(setUUID))
}

func TestSnapshot(t *testing.T) {
	r := New()
	setUUID := uuid.New()
	set, _ := r.LookupOrCreate(setUUID, cacheSB(setUUID, 2))
	m := member(superblock.RoleCache)
	require.NoError(t, r.Attach(set, m))

	infos := r.Snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, setUUID, infos[0].SetUUID)
	assert.Equal(t, "Assembling", infos[0].Status)
	assert.Equal(t, uint64(2), infos[0].ExpectedMembers)
	assert.Equal(t, uint64(1), infos[0].PresentMembers)
	require.Len(t, infos[0].Members, 1)
	assert.Equal(t, m.DeviceUUID, infos[0].Members[0].DeviceUUID)
	assert.Equal(t, "cache", infos[0].Members[0].Role)
}
