package superblock

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCacheSuperblock() *Superblock {
	setUUID := uuid.MustParse("2b4e7d83-19b4-4703-b31f-7b7ff54d7d6e")
	devUUID := uuid.MustParse("f1fdcdb6-9661-49e9-92f1-b8f076bb7145")
	sb := NewCache(setUUID, devUUID, 1, 1024, 1000, 2)
	sb.SetLabel("fast0")
	return sb
}

func testBackingSuperblock() *Superblock {
	setUUID := uuid.MustParse("2b4e7d83-19b4-4703-b31f-7b7ff54d7d6e")
	devUUID := uuid.MustParse("11dd8f3f-49dc-4b6a-b9a8-4f6e6d1e3a55")
	return NewBacking(setUUID, devUUID, 1, 2)
}

func TestRoundTrip(t *testing.T) {
	sb := testCacheSuperblock()
	sb.NKeys = 3
	sb.Keys = [JournalBuckets]uint64{11, 12, 13}

	raw := Encode(sb)
	require.Len(t, raw, Size)
	// encoding computes the checksum into the buffer, not into the input
	assert.Zero(t, sb.Csum)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	want := *sb
	want.Csum = decoded.Csum
	assert.Equal(t, &want, decoded)

	// decode then encode must reproduce the input bytes
	assert.Equal(t, raw, Encode(decoded))
}

func TestDecodeBadMagic(t *testing.T) {
	raw := Encode(testCacheSuperblock())
	raw[8] ^= 0xff

	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeTruncated(t *testing.T) {
	raw := Encode(testCacheSuperblock())

	_, err := Decode(raw[:Size-1])
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeBadChecksum(t *testing.T) {
	raw := Encode(testCacheSuperblock())
	// flip a bit in the label, leave magic and csum intact
	raw[70] ^= 0x01

	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrBadChecksum)
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	sb := testCacheSuperblock()
	sb.Version = MaxVersion + 1
	raw := Encode(sb)

	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	sb.Version = 0
	_, err = Decode(Encode(sb))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestValidateCache(t *testing.T) {
	table := []struct {
		name     string
		mutate   func(*Superblock)
		capacity uint64
		wantErr  error
	}{
		{"fits exactly", func(sb *Superblock) {}, 1024000, nil},
		{"overflow by one bucket", func(sb *Superblock) { sb.NBuckets = 1001 }, 1024000, ErrGeometryOverflow},
		{"product wraps uint64", func(sb *Superblock) {
			sb.NBuckets = 1 << 33
			sb.BucketSize = 1 << 31
		}, 2048, ErrGeometryOverflow},
		{"zero bucket size", func(sb *Superblock) { sb.BucketSize = 0 }, 1024000, ErrRoleMismatch},
		{"zero nbuckets", func(sb *Superblock) { sb.NBuckets = 0 }, 1024000, ErrRoleMismatch},
		{"zero block size", func(sb *Superblock) { sb.BlockSize = 0 }, 1024000, ErrRoleMismatch},
		{"empty set", func(sb *Superblock) { sb.NrInSet = 0 }, 1024000, ErrRoleMismatch},
		{"first bucket outside device", func(sb *Superblock) { sb.FirstBucket = 1000 }, 1024000, ErrRoleMismatch},
	}

	for _, e := range table {
		sb := testCacheSuperblock()
		e.mutate(sb)
		err := Validate(sb, e.capacity)
		if e.wantErr == nil {
			assert.NoError(t, err, e.name)
		} else {
			assert.ErrorIs(t, err, e.wantErr, e.name)
		}
	}
}

func TestValidateBacking(t *testing.T) {
	sb := testBackingSuperblock()
	assert.NoError(t, Validate(sb, 1024000))

	sb.DataOffset = 0
	assert.ErrorIs(t, Validate(sb, 1024000), ErrRoleMismatch)

	sb = testBackingSuperblock()
	assert.ErrorIs(t, Validate(sb, DataStartDefault-1), ErrGeometryOverflow)
}

func TestValidateUnknownRole(t *testing.T) {
	sb := testCacheSuperblock()
	sb.Role = Role(7)
	assert.ErrorIs(t, Validate(sb, 1024000), ErrRoleMismatch)
}

func TestLabelRoundTrip(t *testing.T) {
	sb := testCacheSuperblock()
	assert.Equal(t, "fast0", sb.GetLabel())

	sb.SetLabel("")
	assert.Equal(t, "", sb.GetLabel())

	long := "0123456789012345678901234567890123456789"
	sb.SetLabel(long)
	assert.Equal(t, long[:LabelSize], sb.GetLabel())
}

func TestDumpParse(t *testing.T) {
	sb := testBackingSuperblock()
	sb.Flags |= FlagWriteback | FlagDirty

	info := ParseDump(Dump(sb))
	assert.Equal(t, "ok", info.Magic)
	assert.Equal(t, "2 [backing device]", info.Version)
	assert.Equal(t, "11dd8f3f-49dc-4b6a-b9a8-4f6e6d1e3a55", info.Uuid)
	assert.Equal(t, "2b4e7d83-19b4-4703-b31f-7b7ff54d7d6e", info.CsetUuid)
	assert.Equal(t, "16", info.DataFirstSector)
	assert.Equal(t, "1 [writeback]", info.DataCacheMode)
	assert.Equal(t, "2 [dirty]", info.DataCacheState)
}
