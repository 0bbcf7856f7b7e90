package clock

// VectorClock maps origin IDs to counters
type VectorClock map[string]int64

// ComparisonResult is the relationship between two vector clocks
type ComparisonResult int

const (
	Equal ComparisonResult = iota
	Before
	After
	Concurrent
)

// Increment increments an origin counter on the vector clock
func Increment(clock VectorClock, origin string) VectorClock {
	if clock == nil {
		clock = make(VectorClock)
	}
	clock[origin] = clock[origin] + 1
	return clock
}

// Merge two vector clocks (take max per origin)
func Merge(clock1, clock2 VectorClock) VectorClock {
	merged := make(VectorClock)
	for k, v := range clock1 {
		merged[k] = v
	}
	for k, v := range clock2 {
		if existing, ok := merged[k]; !ok || v > existing {
			merged[k] = v
		}
	}
	return merged
}

// Compare returns Equal|Before|After|Concurrent
func Compare(clock1, clock2 VectorClock) ComparisonResult {
	hasGreater, hasLess := false, false

	allKeys := make(map[string]struct{})
	for k := range clock1 {
		allKeys[k] = struct{}{}
	}
	for k := range clock2 {
		allKeys[k] = struct{}{}
	}

	for k := range allKeys {
		v1 := clock1[k]
		v2 := clock2[k]
		if v1 > v2 {
			hasGreater = true
		}
		if v1 < v2 {
			hasLess = true
		}
	}

	switch {
	case !hasGreater && !hasLess:
		return Equal
	case hasGreater && !hasLess:
		return After
	case hasLess && !hasGreater:
		return Before
	default:
		return Concurrent
	}
}

// Dominates returns true if clock1 has seen everything clock2 has
func Dominates(clock1, clock2 VectorClock) bool {
	c := Compare(clock1, clock2)
	return c == After || c == Equal
}

// NewVectorClock returns an empty clock
func NewVectorClock() VectorClock { return make(VectorClock) }

// Clone returns a copy independent of the original
func Clone(clock VectorClock) VectorClock {
	if clock == nil {
		return nil
	}
	out := make(VectorClock, len(clock))
	for k, v := range clock {
		out[k] = v
	}
	return out
}
