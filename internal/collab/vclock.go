package collab

// VectorClock maps user ids to per-user event counters. An operation carries
// the issuer's clock at emission time, which encodes everything the issuer
// had observed; comparing two clocks decides causal order without a global
// clock.
type VectorClock map[string]int64

// ClockOrder is the outcome of comparing two vector clocks.
type ClockOrder int

const (
	// ClockEqual: identical clocks.
	ClockEqual ClockOrder = iota
	// ClockBefore: the receiver is a causal ancestor of the argument.
	ClockBefore
	// ClockAfter: the argument is a causal ancestor of the receiver.
	ClockAfter
	// ClockConcurrent: neither dominates the other.
	ClockConcurrent
)

func (o ClockOrder) String() string {
	switch o {
	case ClockEqual:
		return "equal"
	case ClockBefore:
		return "before"
	case ClockAfter:
		return "after"
	case ClockConcurrent:
		return "concurrent"
	}
	return "unknown"
}

// Clone returns an independent copy. A nil clock clones to an empty one.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Tick increments the counter for userID, recording one local event.
func (vc VectorClock) Tick(userID string) {
	vc[userID]++
}

// Merge folds other into vc, taking the per-user maximum. This is the
// receive rule: after merging, vc reflects everything both sides observed.
func (vc VectorClock) Merge(other VectorClock) {
	for k, v := range other {
		if v > vc[k] {
			vc[k] = v
		}
	}
}

// Compare determines the causal relationship between vc and other.
// vc dominates other when every counter in vc is >= the counterpart and at
// least one is strictly greater; domination in neither direction means the
// clocks are concurrent.
func (vc VectorClock) Compare(other VectorClock) ClockOrder {
	var less, greater bool
	for k, v := range vc {
		if ov := other[k]; v > ov {
			greater = true
		} else if v < ov {
			less = true
		}
	}
	for k, ov := range other {
		if _, seen := vc[k]; !seen && ov > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return ClockConcurrent
	case greater:
		return ClockAfter
	case less:
		return ClockBefore
	}
	return ClockEqual
}

// Concurrent reports whether neither clock is an ancestor of the other.
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return vc.Compare(other) == ClockConcurrent
}

// Descends reports whether vc has observed the event (userID, counter),
// i.e. an operation stamped with that counter is in vc's causal past.
func (vc VectorClock) Descends(userID string, counter int64) bool {
	return vc[userID] >= counter
}
