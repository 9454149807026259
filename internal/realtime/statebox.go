package realtime

import "sync"

// stateBox publishes the owner loop's state to other goroutines.
type stateBox struct {
	mu sync.RWMutex
	s  ConnectionState
}

func (b *stateBox) get() ConnectionState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.s
}

func (b *stateBox) set(s ConnectionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s = s
}
