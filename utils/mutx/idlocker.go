package mutx

import (
	"sync"
)

// All operations on a block device need exclusive ownership while a
// registration is in flight
type GlobalLocks struct {
	locks map[string]struct{}
	mux   sync.Mutex
}

// NewGlobalLocks returns new GlobalLocks.
func NewGlobalLocks() *GlobalLocks {
	return &GlobalLocks{
		locks: map[string]struct{}{},
	}
}

// TryAcquire tries to acquire the lock for operating on Id and returns true if successful.
// If another operation is already using Id, returns false.
func (gl *GlobalLocks) TryAcquire(Id string) bool {
	gl.mux.Lock()
	defer gl.mux.Unlock()
	if _, ok := gl.locks[Id]; ok {
		return false
	}
	gl.locks[Id] = struct{}{}
	return true
}

// Release deletes the lock on Id.
func (gl *GlobalLocks) Release(Id string) {
	gl.mux.Lock()
	defer gl.mux.Unlock()
	delete(gl.locks, Id)
}
