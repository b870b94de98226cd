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

package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flashtier-io/flashtier/pkg/devicehandle"
	"github.com/flashtier-io/flashtier/pkg/registry"
	"github.com/flashtier-io/flashtier/pkg/superblock"
	"github.com/flashtier-io/flashtier/utils/log"
)

// attach performs the final handshake between a known-valid device and its
// group: membership, superblock rewrite, the bounded backing-device wait
// and the Running transition. A failure rolls back the single device being
// added, never the whole group.
func (c *Coordinator) attach(ctx context.Context, set *registry.CacheSet, sb *superblock.Superblock,
	h *devicehandle.Handle) (*Result, error) {

	m := &registry.Member{
		DeviceUUID: sb.DeviceID(),
		Role:       sb.Role,
		Dirty:      sb.Dirty(),
		Handle:     h,
	}
	if err := c.Registry.Attach(set, m); err != nil {
		return nil, err
	}

	rollback := func() {
		c.Registry.Detach(set, m.DeviceUUID)
	}

	// ownership changed, bump the sequence and persist. The inline path
	// writes its descriptor to the device here, which is what makes the
	// next boot take the ordinary on-disk path.
	sb.Seq++
	if err := h.WriteSuperblock(superblock.Encode(sb)); err != nil {
		rollback()
		return nil, err
	}

	transitioned, err := c.Registry.MarkRunning(set.SetUUID)
	if err != nil {
		if !errors.Is(err, registry.ErrNotYetComplete) {
			rollback()
			return nil, err
		}
		if sb.Role == superblock.RoleBacking {
			// a backing device is only admitted once its cache set
			// runs; wait for the remaining members, bounded
			if err := c.waitAssembly(ctx, set, h); err != nil {
				rollback()
				return nil, err
			}
		}
		// a cache device may settle in an assembling set; the set runs
		// once the remaining members register
	}

	c.Notifier.publish(Event{
		Kind:          EventDeviceAttached,
		SetUUID:       set.SetUUID,
		DeviceUUID:    m.DeviceUUID,
		Role:          m.Role,
		NeedsRecovery: m.Dirty && sb.Writeback(),
	})
	if transitioned {
		c.Notifier.publish(Event{
			Kind:    EventCacheSetRunning,
			SetUUID: set.SetUUID,
			Members: c.Registry.MemberIDs(set),
		})
	}

	return &Result{
		DeviceUUID: m.DeviceUUID,
		SetUUID:    set.SetUUID,
		Role:       m.Role,
		SetStatus:  set.Status().String(),
	}, nil
}

// waitAssembly blocks the registering call, and only it, until the set
// runs, the configured timeout passes or the caller gives up. No lock is
// held while waiting.
func (c *Coordinator) waitAssembly(ctx context.Context, set *registry.CacheSet, h *devicehandle.Handle) error {
	timeout := c.AssemblyTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	log.Infof("backing device %s waits up to %s for set %s to assemble", h.Name(), timeout, set.SetUUID)
	select {
	case <-set.Running():
		return nil
	case <-timer.C:
		// the set may have completed right at expiry; a member of a
		// Running set must never be rolled back as timed out
		select {
		case <-set.Running():
			return nil
		default:
		}
		return fmt.Errorf("%w: set %s still assembling after %s", ErrAssemblyTimeout, set.SetUUID, timeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", errCanceled, ctx.Err())
	}
}
