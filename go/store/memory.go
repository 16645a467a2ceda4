package store

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.copilot.dev/infra/go/sklog"
)

const defaultMemoryMaxSize = 10000

// memoryEntry is one key's state in the memory backend.
type memoryEntry struct {
	key    string
	value  string
	expiry time.Time
	// isLock marks entries created via tryAcquire; they are skipped by
	// eviction while held.
	isLock bool
	elem   *list.Element
}

func (e *memoryEntry) expired(now time.Time) bool {
	return now.After(e.expiry)
}

// Memory implements Store with a bounded in-process map. Insertion order is
// tracked so that, when the size bound is exceeded, the oldest half of the
// entries can be evicted. Held locks are never evicted.
type Memory struct {
	mtx     sync.Mutex
	entries map[string]*memoryEntry
	order   *list.List // *memoryEntry, oldest first.
	maxSize int
}

// NewMemory returns an in-memory Store bounded to the default size.
func NewMemory() *Memory {
	return NewMemoryWithMaxSize(defaultMemoryMaxSize)
}

// NewMemoryWithMaxSize returns an in-memory Store bounded to maxSize entries.
func NewMemoryWithMaxSize(maxSize int) *Memory {
	return &Memory{
		entries: map[string]*memoryEntry{},
		order:   list.New(),
		maxSize: maxSize,
	}
}

// set inserts or replaces an entry. Caller must hold mtx.
func (m *Memory) set(key, value string, ttl time.Duration, isLock bool) {
	if old, ok := m.entries[key]; ok {
		m.order.Remove(old.elem)
	}
	e := &memoryEntry{
		key:    key,
		value:  value,
		expiry: time.Now().Add(ttl),
		isLock: isLock,
	}
	e.elem = m.order.PushBack(e)
	m.entries[key] = e
	m.maybeEvict()
}

// get returns the live entry for the key, removing it if expired. Caller must
// hold mtx.
func (m *Memory) get(key string) (*memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		m.remove(e)
		return nil, false
	}
	return e, true
}

// remove deletes an entry. Caller must hold mtx.
func (m *Memory) remove(e *memoryEntry) {
	m.order.Remove(e.elem)
	delete(m.entries, e.key)
}

// maybeEvict drops the oldest half of the entries once the size bound is
// exceeded. Entries holding a live lock are retained regardless of age.
// Caller must hold mtx.
func (m *Memory) maybeEvict() {
	if len(m.entries) <= m.maxSize {
		return
	}
	now := time.Now()
	target := len(m.entries) / 2
	evicted := 0
	retained := 0
	elem := m.order.Front()
	for elem != nil && evicted < target {
		next := elem.Next()
		e := elem.Value.(*memoryEntry)
		if e.isLock && !e.expired(now) {
			retained++
		} else {
			m.remove(e)
			evicted++
		}
		elem = next
	}
	sklog.Infof("Memory state store exceeded %d entries; evicted %d, retained %d held locks.", m.maxSize, evicted, retained)
}

// IsSeen implements DedupStore.
func (m *Memory) IsSeen(ctx context.Context, key string) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	_, ok := m.get(dedupPrefix + key)
	return ok
}

// MarkSeen implements DedupStore.
func (m *Memory) MarkSeen(ctx context.Context, key string, ttl time.Duration) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.set(dedupPrefix+key, "1", ttl, false)
}

// Unmark implements DedupStore.
func (m *Memory) Unmark(ctx context.Context, key string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if e, ok := m.entries[dedupPrefix+key]; ok {
		m.remove(e)
	}
}

// GetResult implements ResultStore.
func (m *Memory) GetResult(ctx context.Context, taskID string) (string, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e, ok := m.get(resultPrefix + taskID)
	if !ok {
		return "", false
	}
	return e.value, true
}

// SetResult implements ResultStore.
func (m *Memory) SetResult(ctx context.Context, taskID, value string, ttl time.Duration) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.set(resultPrefix+taskID, value, ttl, false)
}

// Acquire implements Locker.
func (m *Memory) Acquire(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	return acquireLock(ctx, m, name, ttl)
}

// tryAcquire implements lockBackend.
func (m *Memory) tryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, held := m.get(key); held {
		return false, nil
	}
	m.set(key, token, ttl, true)
	return true, nil
}

// renew implements lockBackend.
func (m *Memory) renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e, ok := m.get(key)
	if !ok || e.value != token {
		return false, nil
	}
	e.expiry = time.Now().Add(ttl)
	return true, nil
}

// release implements lockBackend.
func (m *Memory) release(ctx context.Context, key, token string) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e, ok := m.get(key)
	if !ok || e.value != token {
		return false, nil
	}
	m.remove(e)
	return true, nil
}

// Len returns the number of entries currently stored, for tests.
func (m *Memory) Len() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.entries)
}

var _ Store = (*Memory)(nil)
