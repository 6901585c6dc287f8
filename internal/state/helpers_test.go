package state

import (
	"errors"
	"sync"
)

func asStorageError(err error, target **StorageError) bool {
	return errors.As(err, target)
}

// flakyKV wraps a MemoryKV and fails every operation while broken is set.
type flakyKV struct {
	*MemoryKV
	mu     sync.Mutex
	broken bool
	sets   int
}

func newFlakyKV() *flakyKV {
	return &flakyKV{MemoryKV: NewMemoryKV()}
}

func (f *flakyKV) setBroken(b bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = b
}

func (f *flakyKV) isBroken() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broken
}

func (f *flakyKV) Get(key string) ([]byte, bool, error) {
	if f.isBroken() {
		return nil, false, &StorageError{Op: "get", Key: key, Err: errors.New("disk unavailable")}
	}
	return f.MemoryKV.Get(key)
}

func (f *flakyKV) Set(key string, value []byte) error {
	f.mu.Lock()
	f.sets++
	f.mu.Unlock()
	if f.isBroken() {
		return &StorageError{Op: "set", Key: key, Err: errors.New("disk unavailable")}
	}
	return f.MemoryKV.Set(key, value)
}

func (f *flakyKV) setCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}
