/*
   Copyright @ 2022 The flashtier Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package superblock implements the fixed-layout member descriptor stored
// on every cache and backing device. The byte layout is the disk and wire
// contract shared by the on-disk read path and the inline descriptor path.
package superblock

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"

	"github.com/google/uuid"
)

const (
	// Offset is the byte offset of the superblock on a member device
	Offset = 4096
	// Size is the encoded size of the superblock in bytes
	Size = 256

	// MinVersion and MaxVersion bound the supported descriptor versions
	MinVersion = 1
	MaxVersion = 2

	// DataStartDefault is where backing-device data begins, in sectors
	DataStartDefault = 16

	// LabelSize is the fixed length of the label field
	LabelSize = 32
	// JournalBuckets is the fixed length of the journal bucket array
	JournalBuckets = 8
)

// Flags stored in the superblock flags field
const (
	FlagWriteback = 1 << 0
	FlagDirty     = 1 << 1
)

// Magic identifies a flashtier member device
var Magic = [16]byte{
	0xc6, 0x85, 0x73, 0xf6, 0x4e, 0x1a, 0x45, 0xca,
	0x82, 0x65, 0xf5, 0x7f, 0x48, 0xba, 0x6d, 0x81,
}

var (
	ErrTruncated          = errors.New("superblock buffer truncated")
	ErrBadMagic           = errors.New("bad magic")
	ErrBadChecksum        = errors.New("bad checksum")
	ErrUnsupportedVersion = errors.New("unsupported superblock version")
	ErrGeometryOverflow   = errors.New("bucket geometry exceeds device capacity")
	ErrRoleMismatch       = errors.New("geometry fields do not match device role")
)

// Role of a member device within its cache set
type Role uint64

const (
	RoleCache   Role = 0
	RoleBacking Role = 1
)

func (r Role) String() string {
	switch r {
	case RoleCache:
		return "cache"
	case RoleBacking:
		return "backing"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(r))
	}
}

// Superblock is the member descriptor. Field order is the on-disk layout,
// little-endian, 256 bytes total. Decode followed by Encode reproduces the
// input bytes for any well-formed buffer.
type Superblock struct {
	Csum        uint64
	Magic       [16]byte
	Version     uint64
	SetUUID     [16]byte
	DeviceUUID  [16]byte
	Label       [LabelSize]byte
	Flags       uint64
	Seq         uint64
	BlockSize   uint64 // 512-byte sectors
	BucketSize  uint64 // sectors, cache devices only
	NBuckets    uint64 // cache devices only
	FirstBucket uint64 // cache devices only
	DataOffset  uint64 // sectors, backing devices only
	NrInSet     uint64 // declared member count of the set
	NrThisDev   uint64
	Role        Role
	NKeys       uint64
	Keys        [JournalBuckets]uint64 // journal bookkeeping, opaque
	Pad         [8]byte
}

var crcTable = crc64.MakeTable(crc64.ECMA)

// Decode parses and gates a raw superblock buffer. It checks magic first,
// then the checksum, then the version range. Pure function, no I/O.
func Decode(b []byte) (*Superblock, error) {
	if len(b) < Size {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrTruncated, len(b), Size)
	}

	sb := &Superblock{}
	if err := binary.Read(bytes.NewReader(b[:Size]), binary.LittleEndian, sb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	if sb.Magic != Magic {
		return nil, ErrBadMagic
	}
	if sb.Csum != crc64.Checksum(b[8:Size], crcTable) {
		return nil, ErrBadChecksum
	}
	if sb.Version < MinVersion || sb.Version > MaxVersion {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrUnsupportedVersion, sb.Version, MinVersion, MaxVersion)
	}
	return sb, nil
}

// Encode serializes the superblock, recomputing the checksum over the body.
// The checksum lands in the returned buffer only, the input stays untouched.
func Encode(sb *Superblock) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, Size))
	_ = binary.Write(buf, binary.LittleEndian, sb)
	b := buf.Bytes()
	binary.LittleEndian.PutUint64(b[0:8], crc64.Checksum(b[8:Size], crcTable))
	return b
}

// Validate checks internal geometry consistency against the probed device
// capacity in sectors. Every registration path runs it, regardless of
// whether the descriptor came from disk or from the caller.
func Validate(sb *Superblock, capacitySectors uint64) error {
	if sb.BlockSize == 0 {
		return fmt.Errorf("%w: block size is zero", ErrRoleMismatch)
	}

	switch sb.Role {
	case RoleCache:
		if sb.BucketSize == 0 || sb.NBuckets == 0 {
			return fmt.Errorf("%w: cache device needs bucket geometry", ErrRoleMismatch)
		}
		if sb.NrInSet == 0 {
			return fmt.Errorf("%w: cache device declares an empty set", ErrRoleMismatch)
		}
		if sb.FirstBucket >= sb.NBuckets {
			return fmt.Errorf("%w: first bucket %d outside of %d buckets", ErrRoleMismatch, sb.FirstBucket, sb.NBuckets)
		}
		// division instead of multiplication, the product can wrap uint64
		if sb.NBuckets > capacitySectors/sb.BucketSize {
			return fmt.Errorf("%w: %d buckets of %d sectors on a %d sector device",
				ErrGeometryOverflow, sb.NBuckets, sb.BucketSize, capacitySectors)
		}
	case RoleBacking:
		if sb.DataOffset == 0 {
			return fmt.Errorf("%w: backing device needs a data offset", ErrRoleMismatch)
		}
		if sb.DataOffset > capacitySectors {
			return fmt.Errorf("%w: data offset %d on a %d sector device",
				ErrGeometryOverflow, sb.DataOffset, capacitySectors)
		}
	default:
		return fmt.Errorf("%w: unknown role %d", ErrRoleMismatch, uint64(sb.Role))
	}
	return nil
}

// SetID returns the set uuid field as a uuid.UUID.
func (sb *Superblock) SetID() uuid.UUID {
	return uuid.UUID(sb.SetUUID)
}

// DeviceID returns the device uuid field as a uuid.UUID.
func (sb *Superblock) DeviceID() uuid.UUID {
	return uuid.UUID(sb.DeviceUUID)
}

// HasDeviceID reports whether the descriptor carries a device uuid.
// A zero uuid means the caller wants one generated during registration.
func (sb *Superblock) HasDeviceID() bool {
	return sb.DeviceUUID != [16]byte{}
}

// GetLabel returns the label with NUL padding stripped.
func (sb *Superblock) GetLabel() string {
	return string(bytes.TrimRight(sb.Label[:], "\x00"))
}

// SetLabel stores label truncated to LabelSize.
func (sb *Superblock) SetLabel(label string) {
	sb.Label = [LabelSize]byte{}
	copy(sb.Label[:], label)
}

// Writeback reports whether the member runs in writeback cache mode.
func (sb *Superblock) Writeback() bool {
	return sb.Flags&FlagWriteback != 0
}

// Dirty reports whether the member shut down with dirty data outstanding.
func (sb *Superblock) Dirty() bool {
	return sb.Flags&FlagDirty != 0
}

// NewCache builds a fresh cache-device superblock. nbuckets is derived from
// the device capacity by the caller.
func NewCache(setUUID, deviceUUID uuid.UUID, blockSize, bucketSize, nbuckets, members uint64) *Superblock {
	return &Superblock{
		Magic:      Magic,
		Version:    MaxVersion,
		SetUUID:    setUUID,
		DeviceUUID: deviceUUID,
		BlockSize:  blockSize,
		BucketSize: bucketSize,
		NBuckets:   nbuckets,
		NrInSet:    members,
		Role:       RoleCache,
	}
}

// NewBacking builds a fresh backing-device superblock. Data starts right
// after the superblock area.
func NewBacking(setUUID, deviceUUID uuid.UUID, blockSize, members uint64) *Superblock {
	return &Superblock{
		Magic:      Magic,
		Version:    MaxVersion,
		SetUUID:    setUUID,
		DeviceUUID: deviceUUID,
		BlockSize:  blockSize,
		DataOffset: DataStartDefault,
		NrInSet:    members,
		Role:       RoleBacking,
	}
}
