// Package dedupe implements the bounded in-flight request registry
// keyed by "METHOD:URL:BODYFINGERPRINT". Its list+map shape is grounded
// on go-sdk/internal.BoundedMap, but deliberately does not reuse that
// structure's LRU-recency eviction: BoundedMap.Get touches the access
// list on read (MoveToFront) so eviction drops the least-recently-used
// entry, whereas this registry must evict strictly by insertion order
// regardless of how many times a pending entry is observed before it
// settles.
package dedupe

import (
	"container/list"
	"sync"
)

// MaxSize bounds the number of concurrently-pending entries (§3).
const MaxSize = 1000

// Entry is the shared result slot concurrent identical requests observe.
// Callers that find an existing Entry via Get wait on Done and then read
// Response/Err; the owning caller (the one that performed Set) is
// responsible for closing Done exactly once via Settle.
type Entry struct {
	Done     chan struct{}
	Response any
	Err      error
}

// NewEntry returns an unsettled entry ready to be shared with waiters.
func NewEntry() *Entry {
	return &Entry{Done: make(chan struct{})}
}

// Settle records the outcome and wakes every waiter. Settle must be
// called exactly once.
func (e *Entry) Settle(response any, err error) {
	e.Response = response
	e.Err = err
	close(e.Done)
}

type node struct {
	key   string
	entry *Entry
	elem  *list.Element
}

// Map is the bounded FIFO registry of in-flight requests.
type Map struct {
	mu    sync.Mutex
	data  map[string]*node
	order *list.List // front = oldest insertion
}

// New returns an empty dedupe map.
func New() *Map {
	return &Map{
		data:  make(map[string]*node),
		order: list.New(),
	}
}

// Get returns the pending entry for key, if any, without creating one.
func (m *Map) Get(key string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.data[key]
	if !ok {
		return nil, false
	}
	return n.entry, true
}

// GetOrCreate returns the existing entry for key if present (created=false),
// or inserts and returns a fresh one (created=true), evicting the oldest
// entry first if the map is already at MaxSize.
func (m *Map) GetOrCreate(key string) (entry *Entry, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.data[key]; ok {
		return n.entry, false
	}

	if len(m.data) >= MaxSize {
		m.evictOldestLocked()
	}

	e := NewEntry()
	elem := m.order.PushBack(key)
	m.data[key] = &node{key: key, entry: e, elem: elem}
	return e, true
}

// Delete removes key's entry, so future callers no longer observe its
// (now-stale) settled result -- this is what "settle-time eviction" means
// in §4.4: a settled entry must not linger to be reused by a later,
// logically distinct call.
func (m *Map) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(key)
}

func (m *Map) deleteLocked(key string) {
	n, ok := m.data[key]
	if !ok {
		return
	}
	m.order.Remove(n.elem)
	delete(m.data, key)
}

// evictOldestLocked drops the oldest-inserted entry. Called with mu held.
func (m *Map) evictOldestLocked() {
	front := m.order.Front()
	if front == nil {
		return
	}
	key := front.Value.(string)
	m.deleteLocked(key)
}

// Len returns the number of pending entries.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
