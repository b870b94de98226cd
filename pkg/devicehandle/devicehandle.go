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

// Package devicehandle owns the lifecycle of opened block device
// references: asynchronous open, exclusive claiming and idempotent release.
package devicehandle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/flashtier-io/flashtier/pkg/superblock"
	"github.com/flashtier-io/flashtier/utils/log"
	"github.com/flashtier-io/flashtier/utils/mutx"
)

// MaxDeviceNameLen bounds the device path accepted from transports
const MaxDeviceNameLen = 512

var (
	ErrNotFound       = errors.New("device not found")
	ErrAlreadyClaimed = errors.New("device already claimed by another registration")
	ErrNotOpen        = errors.New("device handle is not open")
)

// State of a device handle
type State int

const (
	Opening State = iota
	Open
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "Opening"
	case Open:
		return "Open"
	case Closed:
		return "Closed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Handle is an exclusive, revocable claim on a named block device. It is
// owned by exactly one in-flight registration until ownership transfers to
// a cache set group on successful attach.
type Handle struct {
	name     string
	capacity uint64 // 512-byte sectors

	mu    sync.Mutex
	state State
	file  *os.File

	closeOnce sync.Once
	mgr       *Manager
}

func (h *Handle) Name() string { return h.name }

// Capacity returns the device size in 512-byte sectors, probed at open time.
func (h *Handle) Capacity() uint64 { return h.capacity }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// ReadSuperblock reads the raw superblock area from the device.
func (h *Handle) ReadSuperblock() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Open {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotOpen, h.name, h.state)
	}
	raw := make([]byte, superblock.Size)
	if _, err := h.file.ReadAt(raw, superblock.Offset); err != nil {
		return nil, fmt.Errorf("read superblock from %s: %w", h.name, err)
	}
	return raw, nil
}

// WriteSuperblock persists the raw superblock area to the device.
func (h *Handle) WriteSuperblock(raw []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Open {
		return fmt.Errorf("%w: %s is %s", ErrNotOpen, h.name, h.state)
	}
	if len(raw) != superblock.Size {
		return fmt.Errorf("superblock buffer is %d bytes, want %d", len(raw), superblock.Size)
	}
	if _, err := h.file.WriteAt(raw, superblock.Offset); err != nil {
		return fmt.Errorf("write superblock to %s: %w", h.name, err)
	}
	return h.file.Sync()
}

// OpenResult is the completion delivered for an asynchronous open.
type OpenResult struct {
	Handle *Handle
	Err    error
}

// Manager opens devices and tracks exclusive claims on their names.
type Manager struct {
	Claims *mutx.GlobalLocks
	Prober Prober
}

func NewManager(prober Prober) *Manager {
	return &Manager{
		Claims: mutx.NewGlobalLocks(),
		Prober: prober,
	}
}

// Open claims the device name and opens it asynchronously. The claim is
// taken before returning so a racing registration on the same name fails
// fast with ErrAlreadyClaimed instead of blocking. Completion is delivered
// on the returned channel exactly once.
func (m *Manager) Open(ctx context.Context, name string) (<-chan OpenResult, error) {
	if name == "" || len(name) > MaxDeviceNameLen {
		return nil, fmt.Errorf("%w: invalid device name length %d", ErrNotFound, len(name))
	}
	if !m.Claims.TryAcquire(name) {
		return nil, ErrAlreadyClaimed
	}

	h := &Handle{
		name:  name,
		state: Opening,
		mgr:   m,
	}

	done := make(chan OpenResult, 1)
	go func() {
		done <- m.open(ctx, h)
	}()
	return done, nil
}

func (m *Manager) open(ctx context.Context, h *Handle) OpenResult {
	fail := func(err error) OpenResult {
		h.setState(Failed)
		m.Claims.Release(h.name)
		return OpenResult{Handle: h, Err: err}
	}

	f, err := os.OpenFile(h.name, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return fail(fmt.Errorf("%w: %s", ErrNotFound, h.name))
		}
		return fail(fmt.Errorf("open %s: %w", h.name, err))
	}

	capacity, err := m.Prober.Probe(h.name)
	if err != nil {
		_ = f.Close()
		return fail(fmt.Errorf("probe %s: %w", h.name, err))
	}

	if err := ctx.Err(); err != nil {
		_ = f.Close()
		return fail(err)
	}

	h.mu.Lock()
	h.file = f
	h.capacity = capacity
	h.state = Open
	h.mu.Unlock()

	log.Debugf("opened device %s, %d sectors", h.name, capacity)
	return OpenResult{Handle: h}
}

// Close releases the handle and its exclusive claim. It is idempotent and
// always succeeds; it is the single release point used on every exit path
// of a registration.
func (m *Manager) Close(h *Handle) {
	if h == nil {
		return
	}
	h.closeOnce.Do(func() {
		h.mu.Lock()
		if h.file != nil {
			_ = h.file.Close()
			h.file = nil
		}
		released := h.state == Open || h.state == Opening
		h.state = Closed
		h.mu.Unlock()
		if released {
			m.Claims.Release(h.name)
		}
		log.Debugf("closed device %s", h.name)
	})
}
