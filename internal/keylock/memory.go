package keylock

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

type slot struct {
	ch   chan struct{}
	refs int
}

// Memory is an in-process Locker. Slots are reference counted and removed
// once no caller holds or waits on them.
type Memory struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewMemory creates an empty in-process Locker.
func NewMemory() *Memory {
	return &Memory{slots: make(map[string]*slot)}
}

// Acquire implements Locker.
func (m *Memory) Acquire(ctx context.Context, keys ...string) (Unlock, error) {
	keys = normalize(keys)
	held := make([]string, 0, len(keys))

	for _, k := range keys {
		s := m.ref(k)
		select {
		case s.ch <- struct{}{}:
			held = append(held, k)
		case <-ctx.Done():
			m.unref(k)
			m.release(held)
			return nil, eris.Wrap(ctx.Err(), "keylock: acquire")
		}
	}

	var once sync.Once
	return func() { once.Do(func() { m.release(held) }) }, nil
}

func (m *Memory) ref(k string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[k]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[k] = s
	}
	s.refs++
	return s
}

func (m *Memory) unref(k string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.slots[k]
	s.refs--
	if s.refs == 0 {
		delete(m.slots, k)
	}
}

func (m *Memory) release(held []string) {
	for i := len(held) - 1; i >= 0; i-- {
		m.mu.Lock()
		s := m.slots[held[i]]
		m.mu.Unlock()
		<-s.ch
		m.unref(held[i])
	}
}

// size reports live slots; used by tests.
func (m *Memory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
