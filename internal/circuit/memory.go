package circuit

import (
	"slices"

	"github.com/nao1215/exitscan/internal/tor"
)

// memory is a bounded map of circuit ids to events that forgets the
// oldest entry when full.
type memory struct {
	max   int
	order []string
	items map[string]tor.CircuitEvent
}

func newMemory(maxItems int) *memory {
	return &memory{
		max:   maxItems,
		items: make(map[string]tor.CircuitEvent, maxItems),
	}
}

func (m *memory) put(id string, ev tor.CircuitEvent) {
	if _, ok := m.items[id]; !ok {
		m.order = append(m.order, id)
	}
	m.items[id] = ev

	for len(m.order) > m.max {
		delete(m.items, m.order[0])
		m.order = m.order[1:]
	}
}

func (m *memory) take(id string) (tor.CircuitEvent, bool) {
	ev, ok := m.items[id]
	if !ok {
		return ev, false
	}
	delete(m.items, id)
	m.order = slices.DeleteFunc(m.order, func(o string) bool { return o == id })
	return ev, true
}

func (m *memory) has(id string) bool {
	_, ok := m.items[id]
	return ok
}
