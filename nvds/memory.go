package nvds

import (
	"sync"

	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type entry struct {
	data   []byte
	locked bool
}

// Memory is a Store kept in RAM. Capacity bounds the total value octets.
type Memory struct {
	mu       sync.RWMutex
	capacity int
	used     int
	entries  *orderedmap.OrderedMap[Tag, *entry]
}

// NewMemory returns an empty store holding up to capacity value octets.
func NewMemory(capacity int) *Memory {
	return &Memory{
		capacity: capacity,
		entries:  orderedmap.New[Tag, *entry](),
	}
}

func (m *Memory) Get(t Tag) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := Len(t); !ok {
		return nil, errors.Wrapf(StatusTagNotDefined, "get %s", t)
	}
	e, ok := m.entries.Get(t)
	if !ok {
		return nil, errors.Wrapf(StatusTagNotDefined, "get %s", t)
	}
	return append([]byte(nil), e.data...), nil
}

func (m *Memory) Put(t Tag, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(t, data, false)
}

func (m *Memory) put(t Tag, data []byte, locked bool) error {
	if err := checkLen(t, data); err != nil {
		return errors.Wrapf(err, "put %s (%d octets)", t, len(data))
	}

	old := 0
	if e, ok := m.entries.Get(t); ok {
		if e.locked {
			return errors.Wrapf(StatusParamLocked, "put %s", t)
		}
		old = len(e.data)
	}
	if m.used-old+len(data) > m.capacity {
		return errors.Wrapf(StatusNoSpaceAvailable, "put %s: %d of %d used", t, m.used, m.capacity)
	}

	m.entries.Set(t, &entry{data: append([]byte(nil), data...), locked: locked})
	m.used += len(data) - old
	return nil
}

func (m *Memory) Lock(t Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries.Get(t)
	if !ok {
		return errors.Wrapf(StatusTagNotDefined, "lock %s", t)
	}
	e.locked = true
	return nil
}

func (m *Memory) Delete(t Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries.Get(t)
	if !ok {
		return errors.Wrapf(StatusTagNotDefined, "delete %s", t)
	}
	if e.locked {
		return errors.Wrapf(StatusParamLocked, "delete %s", t)
	}
	m.entries.Delete(t)
	m.used -= len(e.data)
	return nil
}

func (m *Memory) Tags() []Tag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tt := make([]Tag, 0, m.entries.Len())
	for p := m.entries.Oldest(); p != nil; p = p.Next() {
		tt = append(tt, p.Key)
	}
	return tt
}

// Used returns the value octets in use.
func (m *Memory) Used() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

// each calls fn for every entry in write order. The caller holds mu.
func (m *Memory) each(fn func(t Tag, e *entry)) {
	for p := m.entries.Oldest(); p != nil; p = p.Next() {
		fn(p.Key, p.Value)
	}
}
