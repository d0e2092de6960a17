package waveform

// Kind identifies a capture class. Lower values win arbitration.
type Kind int

const (
	Trip Kind = iota
	Alarm
	ExtendedCapture
	NumKinds
)

// Capture geometry, in cycles of the configured line frequency.
const (
	TotalCycles       = 36
	MarginCycles      = 3
	MinPreEventCycles = 8
	MaxPreEventCycles = 28
)

func (k Kind) String() string {
	switch k {
	case Trip:
		return "trip"
	case Alarm:
		return "alarm"
	case ExtendedCapture:
		return "extended"
	case NumKinds:
	}

	return "unknown"
}

// Valid reports whether k names a capture kind.
func (k Kind) Valid() bool {
	return k >= Trip && k < NumKinds
}

// ParseKind is the inverse of String.
func ParseKind(s string) (Kind, bool) {
	for k := Trip; k < NumKinds; k++ {
		if k.String() == s {
			return k, true
		}
	}

	return NumKinds, false
}

// ValidPreEventCycles reports whether n is an accepted setpoint.
func ValidPreEventCycles(n int) bool {
	return n >= MinPreEventCycles && n <= MaxPreEventCycles
}

// RequestResult reports the outcome of a capture request.
type RequestResult int

const (
	// Accepted marks a new request for the next arbitration tick.
	Accepted RequestResult = iota
	// Pending means a request of this kind is already waiting.
	Pending
	// Collision means a capture of this kind is in progress; the
	// request was dropped.
	Collision
	// Invalid means the kind or setpoint was out of range.
	Invalid
)

func (r RequestResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Pending:
		return "pending"
	case Collision:
		return "collision"
	case Invalid:
		return "invalid"
	}

	return "unknown"
}
