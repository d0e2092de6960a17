package aggregator

// State is the start-up sequencing state shared by all channels.
type State int

const (
	WaitStableClock State = iota
	Discard1
	Discard2
	SeedHighGain
	SeedLowGain
	Steady
)

func (s State) String() string {
	switch s {
	case WaitStableClock:
		return "wait_stable_clock"
	case Discard1:
		return "discard1"
	case Discard2:
		return "discard2"
	case SeedHighGain:
		return "seed_high_gain"
	case SeedLowGain:
		return "seed_low_gain"
	case Steady:
		return "steady"
	default:
		return "unknown"
	}
}

// next returns the state that follows s on a stable tick.
func (s State) next() State {
	if s == Steady {
		return Steady
	}

	return s + 1
}
