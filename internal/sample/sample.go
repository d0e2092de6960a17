package sample

import (
	"fmt"
	"time"

	"codeberg.org/mutker/tripunit/internal/errors"
)

const (
	// SampleRate is the fixed acquisition rate in samples per second.
	SampleRate = 4800

	// SubIntervalSamples is the length of the ~200 ms metering window.
	SubIntervalSamples = SampleRate / 5

	// MaxSamplesPerCycle bounds history buffers (50 Hz).
	MaxSamplesPerCycle = SampleRate / 50
)

// Channel identifies one AFE channel of a Sample.
type Channel int

const (
	Ia Channel = iota
	Ib
	Ic
	In
	Ig
	Van
	Vbn
	Vcn

	NumChannels = int(Vcn) + 1
)

// NumADCChannels is the number of current channels (Ia..In) also
// digitised by the reference ADC in a high-gain and a low-gain path.
const NumADCChannels = int(In) + 1

// Width is the number of int32 values in a flattened Sample.
const Width = NumChannels + 2*NumADCChannels

var channelNames = [NumChannels]string{"Ia", "Ib", "Ic", "In", "Ig", "Van", "Vbn", "Vcn"}

func (c Channel) String() string {
	if c < 0 || int(c) >= NumChannels {
		return fmt.Sprintf("Channel(%d)", int(c))
	}

	return channelNames[c]
}

// IsPhaseCurrent reports whether c is Ia, Ib or Ic.
func (c Channel) IsPhaseCurrent() bool {
	return c >= Ia && c <= Ic
}

// IsVoltage reports whether c is one of the line-to-neutral voltages.
func (c Channel) IsVoltage() bool {
	return c >= Van && c <= Vcn
}

// Sample is one tick of raw acquisition data.
type Sample struct {
	AFE      [NumChannels]int32
	HighGain [NumADCChannels]int32
	LowGain  [NumADCChannels]int32
}

// Flatten copies s into dst in AFE, HighGain, LowGain order.
func (s *Sample) Flatten(dst *[Width]int32) {
	copy(dst[:NumChannels], s.AFE[:])
	copy(dst[NumChannels:NumChannels+NumADCChannels], s.HighGain[:])
	copy(dst[NumChannels+NumADCChannels:], s.LowGain[:])
}

// Columns names the entries of a flattened sample.
func Columns() []string {
	names := make([]string, 0, Width)
	names = append(names, channelNames[:]...)
	for _, suffix := range []string{"_hg", "_lg"} {
		for c := range NumADCChannels {
			names = append(names, channelNames[c]+suffix)
		}
	}

	return names
}

// Unflatten is the inverse of Flatten.
func Unflatten(src *[Width]int32) Sample {
	var s Sample
	copy(s.AFE[:], src[:NumChannels])
	copy(s.HighGain[:], src[NumChannels:NumChannels+NumADCChannels])
	copy(s.LowGain[:], src[NumChannels+NumADCChannels:])

	return s
}

// Source delivers one Sample per tick together with the front-end
// stable signal.
type Source interface {
	Next() (Sample, bool)
}

// SamplesPerCycle returns the number of samples in one line cycle for
// a nominal line frequency of 50 or 60 Hz.
func SamplesPerCycle(lineFrequency int) (int, error) {
	switch lineFrequency {
	case 50, 60:
		return SampleRate / lineFrequency, nil
	default:
		return 0, errors.New().WithData(errors.ErrInvalidFrequency, lineFrequency)
	}
}

// Time returns the elapsed time of sample n since the first sample.
func Time(n uint64) time.Duration {
	secs, rem := n/SampleRate, n%SampleRate

	return time.Duration(secs)*time.Second + time.Duration(rem*uint64(time.Second)/SampleRate)
}

// Period is the sampling period rounded to the nanosecond.
const Period = time.Second / SampleRate
