package scheduler

const DefaultPowerRatio = 10

// State is the scheduler state. It is owned by the poll loop and not safe for
// concurrent use.
type State struct {
	discovered bool
	counter    int
	ratio      int
	cursor     int
	// the previous request was taken from the rotation
	afterRotation bool
}

// NewState creates a state that interleaves one slower register per ratio
// power reads. Ratios below 1 fall back to DefaultPowerRatio.
func NewState(ratio int) *State {
	if ratio < 1 {
		ratio = DefaultPowerRatio
	}
	return &State{ratio: ratio}
}

func (s *State) Discovered() bool {
	return s.discovered
}

// SetDiscovered records whether the device address is known. Discovery
// requests stop as soon as it is set.
func (s *State) SetDiscovered(discovered bool) {
	s.discovered = discovered
}

// Next returns the request to send next.
//
// Until the address is discovered this is always the discovery request.
// After that, power is read until the counter reaches the ratio, then one
// register from the rotation is read and the cursor moves on. The power read
// right after a rotation read does not count towards the ratio, which gives
// P P O P P P O ... for a ratio of 3.
func (s *State) Next() RequestDescriptor {
	if !s.discovered {
		return descriptors[RequestDiscovery]
	}

	if s.afterRotation {
		s.afterRotation = false
		return descriptors[RequestActivePower]
	}

	s.counter++
	if s.counter < s.ratio {
		return descriptors[RequestActivePower]
	}

	s.counter = 0
	kind := rotation[s.cursor]
	s.cursor = (s.cursor + 1) % len(rotation)
	s.afterRotation = true
	return descriptors[kind]
}
