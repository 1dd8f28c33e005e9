package port_reader

// DefaultBaudRates are the rates DL/T 645 meters commonly ship with.
var DefaultBaudRates = []uint{1200, 2400, 4800, 9600}

// NewBaudRateCycler starts at initial. initial is moved to the front of
// candidates, or put in front if it is not among them. An empty candidate
// list falls back to DefaultBaudRates.
func NewBaudRateCycler(initial uint, candidates []uint) *BaudRateCycler {
	if len(candidates) == 0 {
		candidates = DefaultBaudRates
	}
	rates := make([]uint, 0, len(candidates)+1)
	if initial != 0 {
		rates = append(rates, initial)
	}
	for _, r := range candidates {
		if r == initial || r == 0 {
			continue
		}
		rates = append(rates, r)
	}
	return &BaudRateCycler{rates: rates}
}

func (c *BaudRateCycler) Current() uint {
	return c.rates[c.index]
}

// Advance moves to the next candidate, wrapping around, and returns it.
func (c *BaudRateCycler) Advance() uint {
	c.index = (c.index + 1) % len(c.rates)
	return c.rates[c.index]
}

func (c *BaudRateCycler) Rates() []uint {
	out := make([]uint, len(c.rates))
	copy(out, c.rates)
	return out
}
