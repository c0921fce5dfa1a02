package core

import "github.com/dkeye/Pulse/internal/domain"

// ParticipantSet holds tokens with at least one live connection.
// Each token is reference counted by its connections.
type ParticipantSet struct {
	refs map[domain.ParticipantToken]int
}

func NewParticipantSet() *ParticipantSet {
	return &ParticipantSet{refs: make(map[domain.ParticipantToken]int)}
}

// Add reports whether the token just became present.
func (p *ParticipantSet) Add(t domain.ParticipantToken) bool {
	p.refs[t]++
	return p.refs[t] == 1
}

// Remove reports whether the token's last connection went away.
func (p *ParticipantSet) Remove(t domain.ParticipantToken) bool {
	n, ok := p.refs[t]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(p.refs, t)
		return true
	}
	p.refs[t] = n - 1
	return false
}

func (p *ParticipantSet) Contains(t domain.ParticipantToken) bool {
	_, ok := p.refs[t]
	return ok
}

func (p *ParticipantSet) Len() int { return len(p.refs) }
