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
	"sync"

	"github.com/google/uuid"

	"github.com/flashtier-io/flashtier/pkg/superblock"
)

// EventKind names an outbound event
type EventKind string

const (
	// EventDeviceAttached fires on every successful attach
	EventDeviceAttached EventKind = "DeviceAttached"
	// EventDeviceDetached fires when a member is unregistered
	EventDeviceDetached EventKind = "DeviceDetached"
	// EventCacheSetRunning fires when a group transitions to Running,
	// after the DeviceAttached of the completing member
	EventCacheSetRunning EventKind = "CacheSetRunning"
)

// Event is delivered to collaborators such as the caching engine and
// status reporters.
type Event struct {
	Kind       EventKind
	SetUUID    uuid.UUID
	DeviceUUID uuid.UUID
	Role       superblock.Role
	// NeedsRecovery signals dirty writeback data left by an unclean
	// shutdown; reconciliation itself belongs to the caching engine
	NeedsRecovery bool
	// Members of the set, populated for EventCacheSetRunning
	Members []uuid.UUID
}

// Notifier fans events out to registered listener channels in publish
// order. Listeners are expected to keep draining their channel.
type Notifier struct {
	mu        sync.Mutex
	listeners []chan<- Event
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

func (n *Notifier) RegisterListenerChan(c chan<- Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, c)
}

func (n *Notifier) publish(e Event) {
	n.mu.Lock()
	listeners := make([]chan<- Event, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.Unlock()

	for _, c := range listeners {
		c <- e
	}
}
