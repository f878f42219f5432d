package utils

import (
	"sync"
)

// OptionalMutex guards the allocator engine. When UseMutex is false the engine is externally
// synchronized and the mutex is never touched, but re-entrant use (an allocator call made from
// inside an allocator callback) is still caught.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool

	held bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}

	if m.held {
		panic("re-entrant call into the allocator")
	}
	m.held = true
}

func (m *OptionalMutex) Unlock() {
	m.held = false

	if m.UseMutex {
		m.Mutex.Unlock()
	}
}
