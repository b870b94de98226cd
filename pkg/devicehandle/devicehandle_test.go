package devicehandle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashtier-io/flashtier/pkg/superblock"
)

func makeDevice(t *testing.T) string {
	t.Helper()
	name := filepath.Join(t.TempDir(), "disk0")
	f, err := os.Create(name)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(1<<20))
	require.NoError(t, f.Close())
	return name
}

func openDevice(t *testing.T, m *Manager, name string) *Handle {
	t.Helper()
	pending, err := m.Open(context.Background(), name)
	require.NoError(t, err)
	res := <-pending
	require.NoError(t, res.Err)
	return res.Handle
}

func TestOpenClaimClose(t *testing.T) {
	m := NewManager(&FixedProber{Sectors: 2048})
	name := makeDevice(t)

	h := openDevice(t, m, name)
	assert.Equal(t, Open, h.State())
	assert.Equal(t, name, h.Name())
	assert.Equal(t, uint64(2048), h.Capacity())

	// the claim is exclusive and fails fast, no blocking on the holder
	_, err := m.Open(context.Background(), name)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	m.Close(h)
	assert.Equal(t, Closed, h.State())

	// close released the claim
	h2 := openDevice(t, m, name)
	m.Close(h2)
}

func TestOpenNotFound(t *testing.T) {
	m := NewManager(&FixedProber{Sectors: 2048})
	name := filepath.Join(t.TempDir(), "missing")

	pending, err := m.Open(context.Background(), name)
	require.NoError(t, err)
	res := <-pending
	assert.ErrorIs(t, res.Err, ErrNotFound)
	assert.Equal(t, Failed, res.Handle.State())

	// a failed open releases the claim on its own
	pending, err = m.Open(context.Background(), name)
	require.NoError(t, err)
	res = <-pending
	assert.ErrorIs(t, res.Err, ErrNotFound)
}

func TestOpenBadName(t *testing.T) {
	m := NewManager(&FixedProber{Sectors: 2048})

	_, err := m.Open(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)

	long := make([]byte, MaxDeviceNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = m.Open(context.Background(), string(long))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenCanceled(t *testing.T) {
	m := NewManager(&FixedProber{Sectors: 2048})
	name := makeDevice(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pending, err := m.Open(ctx, name)
	require.NoError(t, err)
	res := <-pending
	assert.ErrorIs(t, res.Err, context.Canceled)

	// the claim must not leak on the cancellation path
	h := openDevice(t, m, name)
	m.Close(h)
}

func TestSuperblockRoundTripOnDevice(t *testing.T) {
	m := NewManager(&FixedProber{Sectors: 1 << 20})
	h := openDevice(t, m, makeDevice(t))
	defer m.Close(h)

	sb := superblock.NewCache(uuid.New(), uuid.New(), 1, 1024, 1000, 1)
	written := superblock.Encode(sb)
	require.NoError(t, h.WriteSuperblock(written))

	raw, err := h.ReadSuperblock()
	require.NoError(t, err)
	decoded, err := superblock.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, written, superblock.Encode(decoded))
	assert.Equal(t, sb.DeviceID(), decoded.DeviceID())
}

func TestClosedHandleRefusesIO(t *testing.T) {
	m := NewManager(&FixedProber{Sectors: 2048})
	h := openDevice(t, m, makeDevice(t))

	m.Close(h)
	m.Close(h) // idempotent

	_, err := h.ReadSuperblock()
	assert.ErrorIs(t, err, ErrNotOpen)
	err = h.WriteSuperblock(make([]byte, superblock.Size))
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestSysProberRegularFile(t *testing.T) {
	name := makeDevice(t)
	sectors, err := NewSysProber().Probe(name)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20/512), sectors)

	_, err = NewSysProber().Probe(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}
