package core

import (
	"fmt"

	"github.com/dkeye/Pulse/internal/domain"
)

// ConnID is a generation-tagged handle into the registry arena.
// A handle that outlived its connection never resolves to the slot's next tenant.
type ConnID struct {
	index uint32
	gen   uint32
}

func (id ConnID) IsZero() bool { return id.gen == 0 }

func (id ConnID) String() string { return fmt.Sprintf("%d.%d", id.index, id.gen) }

// Connection is a read-only view of one registered connection.
type Connection struct {
	ID     ConnID
	Member domain.Member
	Signal SignalConnection
}

type slot struct {
	gen    uint32
	live   bool
	member domain.Member
	signal SignalConnection
}

// Registry tracks live connections of one session.
// It is owned by a single coordinator goroutine and is not safe for concurrent use.
type Registry struct {
	slots  []slot
	free   []uint32
	byRole map[domain.Role]map[ConnID]struct{}
	live   int
}

func NewRegistry() *Registry {
	return &Registry{byRole: make(map[domain.Role]map[ConnID]struct{})}
}

func (r *Registry) Add(member domain.Member, sig SignalConnection) ConnID {
	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot{})
		idx = uint32(len(r.slots) - 1)
	}
	s := &r.slots[idx]
	s.gen++
	s.live = true
	s.member = member
	s.signal = sig

	id := ConnID{index: idx, gen: s.gen}
	set, ok := r.byRole[member.Role]
	if !ok {
		set = make(map[ConnID]struct{})
		r.byRole[member.Role] = set
	}
	set[id] = struct{}{}
	r.live++
	return id
}

func (r *Registry) lookup(id ConnID) (*slot, bool) {
	if id.IsZero() || int(id.index) >= len(r.slots) {
		return nil, false
	}
	s := &r.slots[id.index]
	if !s.live || s.gen != id.gen {
		return nil, false
	}
	return s, true
}

// Remove releases the slot. Unknown or stale handles are a no-op.
func (r *Registry) Remove(id ConnID) (Connection, bool) {
	s, ok := r.lookup(id)
	if !ok {
		return Connection{}, false
	}
	c := Connection{ID: id, Member: s.member, Signal: s.signal}

	delete(r.byRole[s.member.Role], id)
	s.live = false
	s.signal = nil
	s.member = domain.Member{}
	r.free = append(r.free, id.index)
	r.live--
	return c, true
}

func (r *Registry) Get(id ConnID) (Connection, bool) {
	s, ok := r.lookup(id)
	if !ok {
		return Connection{}, false
	}
	return Connection{ID: id, Member: s.member, Signal: s.signal}, true
}

// ConnectionsWithRole returns a snapshot, not a live view.
func (r *Registry) ConnectionsWithRole(role domain.Role) []Connection {
	set := r.byRole[role]
	out := make([]Connection, 0, len(set))
	for id := range set {
		s := &r.slots[id.index]
		out = append(out, Connection{ID: id, Member: s.member, Signal: s.signal})
	}
	return out
}

func (r *Registry) All() []Connection {
	out := make([]Connection, 0, r.live)
	for i := range r.slots {
		s := &r.slots[i]
		if !s.live {
			continue
		}
		out = append(out, Connection{
			ID:     ConnID{index: uint32(i), gen: s.gen},
			Member: s.member,
			Signal: s.signal,
		})
	}
	return out
}

func (r *Registry) Len() int { return r.live }
