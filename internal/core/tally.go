package core

import (
	"maps"

	"github.com/dkeye/Pulse/internal/domain"
)

// Tally is the reaction aggregator of one session.
// Counts only grow; buckets exist only for allowed symbols.
type Tally struct {
	allowed map[string]struct{}
	counts  domain.Tally
}

func NewTally(allowed []string) *Tally {
	set := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		set[s] = struct{}{}
	}
	return &Tally{allowed: set, counts: make(domain.Tally)}
}

func (t *Tally) Allowed(symbol string) bool {
	_, ok := t.allowed[symbol]
	return ok
}

// Increment returns the post-increment count.
func (t *Tally) Increment(slide int, symbol string) (uint64, error) {
	if !t.Allowed(symbol) {
		return 0, ErrUnknownSymbol
	}
	bySymbol, ok := t.counts[slide]
	if !ok {
		bySymbol = make(map[string]uint64)
		t.counts[slide] = bySymbol
	}
	bySymbol[symbol]++
	return bySymbol[symbol], nil
}

func (t *Tally) SnapshotAll() domain.Tally {
	out := make(domain.Tally, len(t.counts))
	for slide, bySymbol := range t.counts {
		out[slide] = maps.Clone(bySymbol)
	}
	return out
}

func (t *Tally) SnapshotSlide(slide int) map[string]uint64 {
	out := maps.Clone(t.counts[slide])
	if out == nil {
		out = make(map[string]uint64)
	}
	return out
}

func (t *Tally) Total() uint64 {
	var n uint64
	for _, bySymbol := range t.counts {
		for _, c := range bySymbol {
			n += c
		}
	}
	return n
}

// Restore replaces the counts with a checkpointed copy.
// Symbols no longer allowed and zero counts are dropped.
func (t *Tally) Restore(snap domain.Tally) {
	t.counts = make(domain.Tally, len(snap))
	for slide, bySymbol := range snap {
		for symbol, c := range bySymbol {
			if c == 0 || !t.Allowed(symbol) {
				continue
			}
			if t.counts[slide] == nil {
				t.counts[slide] = make(map[string]uint64)
			}
			t.counts[slide][symbol] = c
		}
	}
}
