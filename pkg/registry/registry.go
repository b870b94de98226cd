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

// Package registry holds the process-wide table of cache set groups under
// assembly. The registry mutex is the single serialization point of the
// admission protocol; it guards map and membership mutation only and is
// never held across device I/O.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flashtier-io/flashtier/pkg/devicehandle"
	"github.com/flashtier-io/flashtier/pkg/superblock"
)

var (
	ErrNotYetComplete  = errors.New("cache set does not have all declared members yet")
	ErrSetNotFound     = errors.New("cache set not found")
	ErrDuplicateDevice = errors.New("device is already a member of this cache set")
	ErrGroupMismatch   = errors.New("device is not compatible with the cache set")
)

// Status of a cache set group
type Status int

const (
	Assembling Status = iota
	Running
	Stopping
	Stopped
)

func (s Status) String() string {
	switch s {
	case Assembling:
		return "Assembling"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Member is one attached device of a cache set. The handle's ownership
// moved here from the registering call on successful attach.
type Member struct {
	DeviceUUID uuid.UUID
	Role       superblock.Role
	Dirty      bool
	Handle     *devicehandle.Handle
}

// CacheSet is the in-memory assembly state of one set uuid. All fields
// besides the immutable ones are guarded by the owning registry's mutex.
type CacheSet struct {
	SetUUID         uuid.UUID
	ExpectedMembers uint64

	r *Registry

	status    Status
	members   map[uuid.UUID]*Member
	createdAt time.Time

	// version and geometry fingerprint recorded from the first member,
	// later members must agree
	version    uint64
	blockSize  uint64
	bucketSize uint64

	// closed when the set transitions to Running
	runningCh chan struct{}
}

// Registry is the process-wide cache set table.
type Registry struct {
	mu      sync.Mutex
	sets    map[uuid.UUID]*CacheSet
	devices map[uuid.UUID]uuid.UUID // device uuid -> owning set uuid
}

func New() *Registry {
	return &Registry{
		sets:    map[uuid.UUID]*CacheSet{},
		devices: map[uuid.UUID]uuid.UUID{},
	}
}

// LookupOrCreate returns the group for setUUID, creating it from the
// descriptor's declared member count and geometry if unseen. Exactly one
// racing caller creates the group; everyone else gets the same instance.
func (r *Registry) LookupOrCreate(setUUID uuid.UUID, sb *superblock.Superblock) (*CacheSet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.sets[setUUID]; ok {
		return set, false
	}
	set := &CacheSet{
		SetUUID:         setUUID,
		ExpectedMembers: sb.NrInSet,
		r:               r,
		status:          Assembling,
		members:         map[uuid.UUID]*Member{},
		createdAt:       time.Now(),
		version:         sb.Version,
		blockSize:       sb.BlockSize,
		bucketSize:      sb.BucketSize,
		runningCh:       make(chan struct{}),
	}
	r.sets[setUUID] = set
	return set, true
}

// CheckCompatible verifies a later device agrees with the group's recorded
// version and geometry.
func (r *Registry) CheckCompatible(set *CacheSet, sb *superblock.Superblock) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sb.Version != set.version {
		return fmt.Errorf("%w: version %d, set has %d", ErrGroupMismatch, sb.Version, set.version)
	}
	if sb.BlockSize != set.blockSize {
		return fmt.Errorf("%w: block size %d, set has %d", ErrGroupMismatch, sb.BlockSize, set.blockSize)
	}
	if sb.Role == superblock.RoleCache && set.bucketSize != 0 && sb.BucketSize != set.bucketSize {
		return fmt.Errorf("%w: bucket size %d, set has %d", ErrGroupMismatch, sb.BucketSize, set.bucketSize)
	}
	if sb.NrInSet != set.ExpectedMembers {
		return fmt.Errorf("%w: declares %d members, set has %d", ErrGroupMismatch, sb.NrInSet, set.ExpectedMembers)
	}
	return nil
}

// Attach adds a member to the set. A device uuid may belong to at most one
// cache set process-wide, and a set never grows past its declared member
// count.
func (r *Registry) Attach(set *CacheSet, m *Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.devices[m.DeviceUUID]; ok {
		if owner == set.SetUUID {
			return fmt.Errorf("%w: %s", ErrDuplicateDevice, m.DeviceUUID)
		}
		return fmt.Errorf("%w: device %s already belongs to set %s", ErrGroupMismatch, m.DeviceUUID, owner)
	}
	if uint64(len(set.members)) >= set.ExpectedMembers {
		return fmt.Errorf("%w: set %s already has its %d declared members",
			ErrGroupMismatch, set.SetUUID, set.ExpectedMembers)
	}
	if set.status == Stopping || set.status == Stopped {
		return fmt.Errorf("%w: set %s is %s", ErrGroupMismatch, set.SetUUID, set.status)
	}

	set.members[m.DeviceUUID] = m
	r.devices[m.DeviceUUID] = set.SetUUID
	return nil
}

// Detach rolls back or unregisters a single member. The caller still owns
// closing the member's handle.
func (r *Registry) Detach(set *CacheSet, deviceUUID uuid.UUID) (*Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := set.members[deviceUUID]
	if !ok {
		return nil, false
	}
	delete(set.members, deviceUUID)
	delete(r.devices, deviceUUID)
	return m, true
}

// MarkRunning transitions the set to Running once every declared member is
// present, reporting whether this call performed the transition.
// ErrNotYetComplete is the expected steady state while a multi-device set
// assembles piecewise, not a user-visible failure.
func (r *Registry) MarkRunning(setUUID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sets[setUUID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrSetNotFound, setUUID)
	}
	if set.status == Running {
		return false, nil
	}
	if uint64(len(set.members)) < set.ExpectedMembers {
		return false, fmt.Errorf("%w: %d of %d", ErrNotYetComplete, len(set.members), set.ExpectedMembers)
	}
	set.status = Running
	close(set.runningCh)
	return true, nil
}

// MemberIDs returns the device uuids currently attached to the set.
func (r *Registry) MemberIDs(set *CacheSet) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(set.members))
	for id := range set.members {
		ids = append(ids, id)
	}
	return ids
}

// RemoveIfEmpty drops the set from the table when it has no members left,
// reporting whether it was removed.
func (r *Registry) RemoveIfEmpty(setUUID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sets[setUUID]
	if !ok {
		return false
	}
	if len(set.members) > 0 {
		return false
	}
	set.status = Stopped
	delete(r.sets, setUUID)
	return true
}

// Lookup returns the set for setUUID if present.
func (r *Registry) Lookup(setUUID uuid.UUID) (*CacheSet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sets[setUUID]
	return set, ok
}

// Running returns a channel closed when the set reaches Running. Waiters
// must not hold any lock while blocking on it.
func (set *CacheSet) Running() <-chan struct{} {
	return set.runningCh
}

func (set *CacheSet) Status() Status {
	set.r.mu.Lock()
	defer set.r.mu.Unlock()
	return set.status
}

func (set *CacheSet) PresentMembers() uint64 {
	set.r.mu.Lock()
	defer set.r.mu.Unlock()
	return uint64(len(set.members))
}

// MemberInfo is the read-only view of an attached device.
type MemberInfo struct {
	DeviceUUID uuid.UUID          `json:"deviceUUID"`
	Role       string             `json:"role"`
	Device     string             `json:"device"`
	Capacity   uint64             `json:"capacitySectors"`
	Dirty      bool               `json:"dirty"`
	State      devicehandle.State `json:"-"`
}

// SetInfo is the read-only view of one cache set group.
type SetInfo struct {
	SetUUID         uuid.UUID    `json:"setUUID"`
	Status          string       `json:"status"`
	ExpectedMembers uint64       `json:"expectedMembers"`
	PresentMembers  uint64       `json:"presentMembers"`
	CreatedAt       time.Time    `json:"createdAt"`
	Members         []MemberInfo `json:"members"`
}

// Snapshot returns a point-in-time copy of the whole table for status
// reporting and metrics.
func (r *Registry) Snapshot() []SetInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]SetInfo, 0, len(r.sets))
	for _, set := range r.sets {
		info := SetInfo{
			SetUUID:         set.SetUUID,
			Status:          set.status.String(),
			ExpectedMembers: set.ExpectedMembers,
			PresentMembers:  uint64(len(set.members)),
			CreatedAt:       set.createdAt,
			Members:         make([]MemberInfo, 0, len(set.members)),
		}
		for _, m := range set.members {
			info.Members = append(info.Members, MemberInfo{
				DeviceUUID: m.DeviceUUID,
				Role:       m.Role.String(),
				Device:     m.Handle.Name(),
				Capacity:   m.Handle.Capacity(),
				Dirty:      m.Dirty,
				State:      m.Handle.State(),
			})
		}
		infos = append(infos, info)
	}
	return infos
}
