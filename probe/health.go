package probe

// Change is reported by Health when an entity crosses the degraded threshold
// in either direction.
type Change int

const (
	NoChange Change = iota
	Degraded
	Recovered
)

// Health counts consecutive Unknown results per entity. It is owned by a
// single goroutine and does no locking.
type Health struct {
	threshold int
	misses    map[string]int
}

// NewHealth reports an entity as degraded after threshold consecutive Unknowns.
func NewHealth(threshold int) *Health {
	if threshold <= 0 {
		threshold = 3
	}
	return &Health{threshold: threshold, misses: map[string]int{}}
}

// Observe records r for entity and returns whether its health flipped.
func (h *Health) Observe(entity string, r Result) Change {
	prev := h.misses[entity]
	if r.State != Unknown {
		delete(h.misses, entity)
		if prev >= h.threshold {
			return Recovered
		}
		return NoChange
	}
	h.misses[entity] = prev + 1
	if prev+1 == h.threshold {
		return Degraded
	}
	return NoChange
}

// IsDegraded reports whether entity is currently at or past the threshold.
func (h *Health) IsDegraded(entity string) bool { return h.misses[entity] >= h.threshold }

// Misses returns the current consecutive Unknown count for entity.
func (h *Health) Misses(entity string) int { return h.misses[entity] }

// DegradedEntities lists entities at or past the threshold.
func (h *Health) DegradedEntities() []string {
	var out []string
	for e, n := range h.misses {
		if n >= h.threshold {
			out = append(out, e)
		}
	}
	return out
}

// Forget drops the counter for entity, for example when it leaves the watch set.
func (h *Health) Forget(entity string) { delete(h.misses, entity) }
