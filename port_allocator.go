package main

import (
	"errors"
	"sync"
)

var errPortRangeExhausted = errors.New("camera port range exhausted")

// cameraPortAllocator hands out local ports for camera relays from a fixed
// configured range. No two live relays ever hold the same port; a port
// returns to the pool only on release.
type cameraPortAllocator struct {
	mu     sync.Mutex
	min    int
	max    int
	inUse  map[int]struct{}
	cursor int
}

func newCameraPortAllocator(min, max int) *cameraPortAllocator {
	if min <= 0 || max < min {
		return nil
	}
	return &cameraPortAllocator{
		min:    min,
		max:    max,
		inUse:  make(map[int]struct{}),
		cursor: min,
	}
}

// acquire returns the next free port in the range, scanning from a moving
// cursor so freshly released ports are not immediately reused.
func (a *cameraPortAllocator) acquire() (int, error) {
	if a == nil {
		return 0, errPortRangeExhausted
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.max - a.min + 1
	for i := 0; i < span; i++ {
		port := a.min + (a.cursor-a.min+i)%span
		if _, taken := a.inUse[port]; taken {
			continue
		}
		a.inUse[port] = struct{}{}
		a.cursor = port + 1
		return port, nil
	}
	return 0, errPortRangeExhausted
}

func (a *cameraPortAllocator) release(port int) {
	if a == nil {
		return
	}
	a.mu.Lock()
	delete(a.inUse, port)
	a.mu.Unlock()
}

func (a *cameraPortAllocator) liveCount() int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	n := len(a.inUse)
	a.mu.Unlock()
	return n
}
