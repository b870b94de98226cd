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

// Package registration drives the admission protocol: it takes a device
// name plus an optional inline descriptor and runs the device through
// open, decode, validate, group lookup and attach. Both transports use the
// single Register entry point; only the source of the superblock bytes
// differs, never the checks.
package registration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flashtier-io/flashtier/pkg/configuration"
	"github.com/flashtier-io/flashtier/pkg/devicehandle"
	"github.com/flashtier-io/flashtier/pkg/registry"
	"github.com/flashtier-io/flashtier/pkg/superblock"
	"github.com/flashtier-io/flashtier/utils/log"
)

// state of one in-flight registration
type state int

const (
	stateReceived state = iota
	stateOpening
	stateDecoding
	stateValidating
	stateGroupLookup
	stateAttaching
	stateDone
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateReceived:
		return "Received"
	case stateOpening:
		return "Opening"
	case stateDecoding:
		return "Decoding"
	case stateValidating:
		return "Validating"
	case stateGroupLookup:
		return "GroupLookup"
	case stateAttaching:
		return "Attaching"
	case stateDone:
		return "Done"
	case stateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Result is the success half of a RegistrationResult.
type Result struct {
	DeviceUUID uuid.UUID       `json:"deviceUUID"`
	SetUUID    uuid.UUID       `json:"setUUID"`
	Role       superblock.Role `json:"-"`
	SetStatus  string          `json:"setStatus"`
}

// Coordinator is the registration state machine. Multiple registrations
// run concurrently; unrelated devices and groups never serialize on each
// other, only the registry map access does.
type Coordinator struct {
	Devices  *devicehandle.Manager
	Registry *registry.Registry
	Notifier *Notifier

	// AssemblyTimeout bounds the backing-device wait, read per
	// registration so configuration reloads take effect immediately
	AssemblyTimeout func() time.Duration
}

func NewCoordinator(devices *devicehandle.Manager, reg *registry.Registry, notifier *Notifier) *Coordinator {
	return &Coordinator{
		Devices:         devices,
		Registry:        reg,
		Notifier:        notifier,
		AssemblyTimeout: configuration.AssemblyTimeout,
	}
}

// Register admits one device. inline carries the caller-supplied
// descriptor for the unformatted path and is nil for the on-disk path.
// On failure the device handle is always released and a newly created,
// still empty group is removed again.
func (c *Coordinator) Register(ctx context.Context, name string, inline *superblock.Superblock) (*Result, error) {
	st := stateReceived
	log.Debugf("registration of %s: %s", name, st)

	fail := func(err error) (*Result, error) {
		re := classify(err)
		log.Warnf("registration of %s: %s -> %s: %v", name, st, stateFailed, re)
		return nil, re
	}

	st = stateOpening
	pending, err := c.Devices.Open(ctx, name)
	if err != nil {
		return fail(err)
	}
	// the open goroutine always delivers exactly one completion; on
	// cancellation a reaper drains it so the claim cannot leak
	var res devicehandle.OpenResult
	select {
	case res = <-pending:
	case <-ctx.Done():
		go func() {
			if r := <-pending; r.Err == nil {
				c.Devices.Close(r.Handle)
			}
		}()
		return fail(fmt.Errorf("%w: %v", errCanceled, ctx.Err()))
	}
	if res.Err != nil {
		return fail(res.Err)
	}
	h := res.Handle

	// single release point: whatever happens from here on, the handle is
	// closed unless its ownership transferred to the group
	transferred := false
	defer func() {
		if !transferred {
			c.Devices.Close(h)
		}
	}()

	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("%w: %v", errCanceled, err))
	}

	var sb *superblock.Superblock
	if inline == nil {
		st = stateDecoding
		raw, err := h.ReadSuperblock()
		if err != nil {
			return fail(err)
		}
		if sb, err = superblock.Decode(raw); err != nil {
			return fail(err)
		}
	} else {
		// the inline path skips Decoding but never Validating
		sb = inline
	}

	st = stateValidating
	if err := superblock.Validate(sb, h.Capacity()); err != nil {
		return fail(err)
	}
	if !sb.HasDeviceID() {
		sb.DeviceUUID = uuid.New()
		log.Infof("generated device uuid %s for %s", sb.DeviceID(), name)
	}

	st = stateGroupLookup
	set, created := c.Registry.LookupOrCreate(sb.SetID(), sb)
	if !created {
		if err := c.Registry.CheckCompatible(set, sb); err != nil {
			return fail(err)
		}
	}

	st = stateAttaching
	result, err := c.attach(ctx, set, sb, h)
	if err != nil {
		if created {
			c.Registry.RemoveIfEmpty(set.SetUUID)
		}
		return fail(err)
	}
	transferred = true

	st = stateDone
	log.Infof("registered %s device %s (%s) into set %s, set is %s",
		sb.Role, name, result.DeviceUUID, result.SetUUID, result.SetStatus)
	return result, nil
}

// Unregister detaches a member, closes its handle and removes the group
// when the last member leaves.
func (c *Coordinator) Unregister(setUUID, deviceUUID uuid.UUID) error {
	set, ok := c.Registry.Lookup(setUUID)
	if !ok {
		return classify(fmt.Errorf("%w: %s", registry.ErrSetNotFound, setUUID))
	}
	m, ok := c.Registry.Detach(set, deviceUUID)
	if !ok {
		return classify(fmt.Errorf("%w: no member %s in set %s", registry.ErrSetNotFound, deviceUUID, setUUID))
	}
	c.Devices.Close(m.Handle)
	c.Notifier.publish(Event{
		Kind:       EventDeviceDetached,
		SetUUID:    setUUID,
		DeviceUUID: deviceUUID,
		Role:       m.Role,
	})
	if c.Registry.RemoveIfEmpty(setUUID) {
		log.Infof("cache set %s removed after its last member detached", setUUID)
	}
	return nil
}
