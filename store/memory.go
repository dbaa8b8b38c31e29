package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is a Store kept in process memory. Values are copied on the way
// in and out.
type Memory struct {
	mu           sync.Mutex
	groups       map[int64]*Group
	entities     map[int64]*Entity
	nextGroupID  int64
	nextEntityID int64
}

func NewMemory() *Memory {
	return &Memory{
		groups:   make(map[int64]*Group),
		entities: make(map[int64]*Entity),
	}
}

func (m *Memory) CreateGroup(_ context.Context, g *Group) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextGroupID++
	stored := g.Clone()
	normalizeGroup(stored)
	stored.ID = m.nextGroupID
	m.groups[stored.ID] = stored
	g.ID = stored.ID
	return stored.ID, nil
}

func (m *Memory) GetGroup(_ context.Context, id int64) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	return g.Clone(), nil
}

func (m *Memory) ListGroups(_ context.Context) ([]*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateGroup(_ context.Context, g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[g.ID]; !ok {
		return fmt.Errorf("group %d: %w", g.ID, ErrNotFound)
	}
	stored := g.Clone()
	normalizeGroup(stored)
	m.groups[g.ID] = stored
	return nil
}

func (m *Memory) DeleteGroup(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	delete(m.groups, id)
	for eid, e := range m.entities {
		if e.GroupID == id {
			delete(m.entities, eid)
		}
	}
	return nil
}

func (m *Memory) ListByGroup(_ context.Context, groupID int64) ([]*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entity
	for _, e := range m.entities {
		if e.GroupID == groupID {
			out = append(out, e.Clone())
		}
	}
	sortEntities(out)
	return out, nil
}

func (m *Memory) CountByGroup(_ context.Context, groupID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entities {
		if e.GroupID == groupID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) AddEntity(_ context.Context, e *Entity) (int64, error) {
	if e.Descriptor == nil {
		return 0, fmt.Errorf("entity has no descriptor")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEntityID++
	stored := e.Clone()
	stored.ID = m.nextEntityID
	m.entities[stored.ID] = stored
	e.ID = stored.ID
	return stored.ID, nil
}

func (m *Memory) UpdateEntities(_ context.Context, list []*Entity) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range list {
		if _, ok := m.entities[e.ID]; !ok {
			continue
		}
		m.entities[e.ID] = e.Clone()
		n++
	}
	return n, nil
}

func (m *Memory) DeleteEntities(_ context.Context, list []*Entity) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range list {
		if _, ok := m.entities[e.ID]; ok {
			delete(m.entities, e.ID)
			n++
		}
	}
	return n, nil
}

func (m *Memory) NextOrder(_ context.Context, groupID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int64
	for _, e := range m.entities {
		if e.GroupID == groupID && e.Order > max {
			max = e.Order
		}
	}
	return max + 1, nil
}

func sortEntities(list []*Entity) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Order != list[j].Order {
			return list[i].Order < list[j].Order
		}
		return list[i].ID < list[j].ID
	})
}
