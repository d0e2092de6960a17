package aggregator_test

import (
	"math"
	"math/rand"
	"testing"

	"codeberg.org/mutker/tripunit/internal/aggregator"
	"codeberg.org/mutker/tripunit/internal/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// warmupTicks is the number of stable ticks spent before Steady.
const warmupTicks = 5

func newAggregator(t *testing.T, mutate func(*aggregator.Config)) *aggregator.Aggregator {
	t.Helper()

	cfg := aggregator.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	agg, err := aggregator.New(cfg)
	require.NoError(t, err)

	return agg
}

func warmUp(t *testing.T, agg *aggregator.Aggregator) {
	t.Helper()

	var s sample.Sample
	for i := 0; i < warmupTicks; i++ {
		pub := agg.Tick(&s, true)
		assert.False(t, pub.Valid)
	}
	require.Equal(t, aggregator.Steady, agg.State())
}

func TestStateSequence(t *testing.T) {
	agg := newAggregator(t, nil)
	var s sample.Sample

	agg.Tick(&s, false)
	assert.Equal(t, aggregator.WaitStableClock, agg.State(), "unstable clock keeps waiting")

	want := []aggregator.State{
		aggregator.Discard1,
		aggregator.Discard2,
		aggregator.SeedHighGain,
		aggregator.SeedLowGain,
		aggregator.Steady,
		aggregator.Steady,
	}
	for _, state := range want {
		agg.Tick(&s, true)
		assert.Equal(t, state, agg.State())
	}
	assert.True(t, agg.Valid())
}

func TestNoAggregationBeforeSteady(t *testing.T) {
	agg := newAggregator(t, nil)
	s := sample.Sample{}
	s.AFE[sample.Ia] = 500

	for i := 0; i < warmupTicks; i++ {
		pub := agg.Tick(&s, true)
		assert.Zero(t, pub.OneCycle[sample.Ia])
		assert.Zero(t, pub.Tick)
	}

	pub := agg.Tick(&s, true)
	assert.True(t, pub.Valid)
	assert.Equal(t, uint64(1), pub.Tick)
	assert.Equal(t, uint64(5000*5000), pub.OneCycle[sample.Ia])
}

func TestLosingStableClockResyncs(t *testing.T) {
	agg := newAggregator(t, nil)
	warmUp(t, agg)

	s := sample.Sample{}
	s.AFE[sample.Ib] = 100
	agg.Tick(&s, true)
	require.NotZero(t, agg.Publication().OneCycle[sample.Ib])

	pub := agg.Tick(&s, false)
	assert.False(t, pub.Valid)
	assert.Equal(t, aggregator.WaitStableClock, agg.State())
	assert.Zero(t, pub.OneCycle[sample.Ib])
}

// The one-cycle accumulator must match a from-scratch sum over the most
// recent window for any sequence, without drifting.
func TestOneCycleMatchesRecomputation(t *testing.T) {
	agg := newAggregator(t, nil)
	warmUp(t, agg)

	spc := agg.SamplesPerCycle()
	rng := rand.New(rand.NewSource(7))
	history := make([]int32, 0, 2000)

	for i := 0; i < 2000; i++ {
		var s sample.Sample
		v := int32(rng.Intn(60000) - 30000)
		s.AFE[sample.Ic] = v
		history = append(history, v)

		pub := agg.Tick(&s, true)
		if len(history) < spc {
			continue
		}

		assert.Equal(t, recompute(history[len(history)-spc:]), pub.OneCycle[sample.Ic], "tick %d", i)
		assert.Equal(t, recompute(history[len(history)-spc/2:]), pub.HalfCycle[sample.Ic], "tick %d", i)
	}
}

func recompute(values []int32) uint64 {
	var sum uint64
	for _, v := range values {
		mag := uint64(math.Abs(float64(v))) * aggregator.ScaleFactor
		sum += mag * mag
	}

	return sum
}

func TestBoundaryPublication(t *testing.T) {
	agg := newAggregator(t, nil)
	warmUp(t, agg)
	spc := agg.SamplesPerCycle()

	var halfBoundaries, oneBoundaries, subBoundaries int
	for i := 1; i <= sample.SubIntervalSamples; i++ {
		var s sample.Sample
		s.AFE[sample.Ia] = int32(i)
		pub := agg.Tick(&s, true)

		if pub.HalfCycleBoundary {
			halfBoundaries++
			assert.Zero(t, i%(spc/2))
			assert.Equal(t, pub.HalfCycle[sample.Ia], pub.HalfCycleSav[sample.Ia])
		}
		if pub.OneCycleBoundary {
			oneBoundaries++
			assert.Zero(t, i%spc)
			assert.Equal(t, pub.OneCycle[sample.Ia], pub.OneCycleSav[sample.Ia])
		}
		if pub.SubIntervalBoundary {
			subBoundaries++
		}
	}

	assert.Equal(t, sample.SubIntervalSamples/(spc/2), halfBoundaries)
	assert.Equal(t, sample.SubIntervalSamples/spc, oneBoundaries)
	assert.Equal(t, 1, subBoundaries)

	snap, ok := agg.Snapshots().Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(1), snap.Seq)
	assert.Equal(t, sample.SubIntervalSamples, snap.Samples)

	var want float64
	for i := 1; i <= sample.SubIntervalSamples; i++ {
		want += float64(i) * float64(i)
	}
	assert.InDelta(t, want, snap.AFE[sample.Ia], 1e-6)
}

func TestReplayIsDeterministic(t *testing.T) {
	run := func(agg *aggregator.Aggregator) ([]uint64, []aggregator.SubIntervalSnapshot) {
		sim := sample.NewSimulator(sample.DefaultSimulatorConfig())
		var savs []uint64
		var snaps []aggregator.SubIntervalSnapshot
		for i := 0; i < 3*sample.SubIntervalSamples; i++ {
			s, stable := sim.Next()
			pub := agg.Tick(&s, stable)
			if pub.OneCycleBoundary {
				savs = append(savs, pub.OneCycleSav[:]...)
			}
			for {
				snap, ok := agg.Snapshots().Pop()
				if !ok {
					break
				}
				snap.Seq = 0
				snaps = append(snaps, snap)
			}
		}

		return savs, snaps
	}

	agg := newAggregator(t, nil)
	firstSavs, firstSnaps := run(agg)
	agg.Resync()
	secondSavs, secondSnaps := run(agg)

	require.NotEmpty(t, firstSavs)
	require.NotEmpty(t, firstSnaps)
	assert.Equal(t, firstSavs, secondSavs)
	assert.Equal(t, firstSnaps, secondSnaps)
}

func TestSinusoidRMS(t *testing.T) {
	agg := newAggregator(t, nil)

	const rms = 1234.0
	omega := 2 * math.Pi * 60 / sample.SampleRate
	var pub *aggregator.Publication
	for n := 0; n < 200; n++ {
		var s sample.Sample
		s.AFE[sample.Ia] = int32(math.Round(rms * math.Sqrt2 * math.Sin(omega*float64(n))))
		pub = agg.Tick(&s, true)
	}

	require.True(t, pub.Valid)
	require.GreaterOrEqual(t, pub.Tick, uint64(agg.SamplesPerCycle()))
	got := aggregator.RMS(pub.OneCycle[sample.Ia], agg.SamplesPerCycle())
	assert.InEpsilon(t, rms, got, 0.005)
}

func TestScaleOverflowClamps(t *testing.T) {
	agg := newAggregator(t, nil)
	warmUp(t, agg)
	spc := agg.SamplesPerCycle()

	var s sample.Sample
	s.AFE[sample.Ia] = math.MaxInt32
	s.AFE[sample.Ib] = math.MinInt32
	var pub *aggregator.Publication
	for i := 0; i < 3*spc; i++ {
		pub = agg.Tick(&s, true)
	}

	limit := uint64(aggregator.MaxScaled) * aggregator.MaxScaled
	assert.Equal(t, uint64(spc)*limit, pub.OneCycle[sample.Ia])
	assert.Equal(t, uint64(spc)*limit, pub.OneCycle[sample.Ib])
	assert.Equal(t, uint64(6*spc), agg.Overflows())

	// Returning to small values drains the window exactly.
	s = sample.Sample{}
	for i := 0; i < spc; i++ {
		pub = agg.Tick(&s, true)
	}
	assert.Zero(t, pub.OneCycle[sample.Ia])
}

func TestLongestWindowOfClampedSquaresDoesNotWrap(t *testing.T) {
	agg := newAggregator(t, func(c *aggregator.Config) { c.LineFrequency = 50 })
	warmUp(t, agg)
	spc := agg.SamplesPerCycle()
	require.Equal(t, sample.MaxSamplesPerCycle, spc)

	var s sample.Sample
	s.AFE[sample.Ia] = math.MinInt32
	var pub *aggregator.Publication
	limit := uint64(aggregator.MaxScaled) * aggregator.MaxScaled
	for i := 1; i <= 2*spc; i++ {
		pub = agg.Tick(&s, true)
		want := uint64(min(i, spc)) * limit
		require.Equal(t, want, pub.OneCycle[sample.Ia], "tick %d", i)
	}
	assert.Equal(t, uint64(spc)*limit, pub.OneCycleSav[sample.Ia])

	s = sample.Sample{}
	for i := 0; i < spc; i++ {
		pub = agg.Tick(&s, true)
	}
	assert.Zero(t, pub.OneCycle[sample.Ia])
}

func TestMaximumTracksNewestSample(t *testing.T) {
	agg := newAggregator(t, nil)
	warmUp(t, agg)

	var s sample.Sample
	s.AFE[sample.Ia] = 10
	s.AFE[sample.Ib] = -300
	s.AFE[sample.Ic] = 20
	pub := agg.Tick(&s, true)

	assert.Equal(t, sample.Ib, pub.MaxOneCycle.Channel)
	assert.Equal(t, int32(-300), pub.MaxOneCycle.Sample)
	assert.Equal(t, pub.OneCycle[sample.Ib], pub.MaxOneCycle.SOS)
	assert.Equal(t, sample.Ib, pub.MaxHalfCycle.Channel)
}

func TestNeutralParticipatesInMaximum(t *testing.T) {
	tests := []struct {
		name        string
		ratio       int
		wantChannel sample.Channel
		wantSample  int32
	}{
		{name: "excluded at zero ratio", ratio: 0, wantChannel: sample.Ia, wantSample: 100},
		{name: "unity ratio", ratio: 100, wantChannel: sample.In, wantSample: 150},
		{name: "half size sensor doubles", ratio: 200, wantChannel: sample.Ia, wantSample: 100},
		{name: "small sensor amplifies", ratio: 60, wantChannel: sample.In, wantSample: 250},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := newAggregator(t, func(cfg *aggregator.Config) { cfg.NeutralRatio = tt.ratio })
			warmUp(t, agg)

			var s sample.Sample
			s.AFE[sample.Ia] = 100
			s.AFE[sample.In] = 150
			pub := agg.Tick(&s, true)

			assert.Equal(t, tt.wantChannel, pub.MaxOneCycle.Channel)
			assert.Equal(t, tt.wantSample, pub.MaxOneCycle.Sample)
		})
	}
}

func TestADCAlignment(t *testing.T) {
	cfg := sample.DefaultSimulatorConfig()
	cfg.StableAfter = 0
	sim := sample.NewSimulator(cfg)

	agg := newAggregator(t, func(c *aggregator.Config) {
		c.ADCLag = cfg.ADCLag
		c.ADCGainRatio = cfg.ADCGainRatio
		c.ADCSaturation = cfg.ADCSaturation
	})

	var snap aggregator.SubIntervalSnapshot
	var ok bool
	for i := 0; i < warmupTicks+sample.SubIntervalSamples && !ok; i++ {
		s, stable := sim.Next()
		agg.Tick(&s, stable)
		snap, ok = agg.Snapshots().Pop()
	}
	require.True(t, ok)

	afe := math.Sqrt(snap.AFE[sample.Ia] / float64(snap.Samples))
	adc := math.Sqrt(snap.ADC[sample.Ia] / float64(snap.Samples))
	assert.InEpsilon(t, cfg.CurrentRMS, afe, 0.005)
	assert.InEpsilon(t, afe, adc, 0.005)
}

func TestADCFallsBackToLowGainWhenSaturated(t *testing.T) {
	cfg := sample.DefaultSimulatorConfig()
	cfg.StableAfter = 0
	cfg.CurrentRMS = 40000 // peak well above the high-gain clip
	sim := sample.NewSimulator(cfg)

	agg := newAggregator(t, func(c *aggregator.Config) {
		c.ADCLag = cfg.ADCLag
		c.ADCGainRatio = cfg.ADCGainRatio
		c.ADCSaturation = cfg.ADCSaturation
	})

	var snap aggregator.SubIntervalSnapshot
	var ok bool
	for i := 0; i < warmupTicks+sample.SubIntervalSamples && !ok; i++ {
		s, stable := sim.Next()
		agg.Tick(&s, stable)
		snap, ok = agg.Snapshots().Pop()
	}
	require.True(t, ok)

	adc := math.Sqrt(snap.ADC[sample.Ia] / float64(snap.Samples))
	assert.InEpsilon(t, cfg.CurrentRMS, adc, 0.01)
}

func TestTickDoesNotAllocate(t *testing.T) {
	agg := newAggregator(t, nil)
	sim := sample.NewSimulator(sample.DefaultSimulatorConfig())

	allocs := testing.AllocsPerRun(2000, func() {
		s, stable := sim.Next()
		agg.Tick(&s, stable)
		agg.Snapshots().Pop()
	})
	assert.Zero(t, allocs)
}

func TestConfigValidate(t *testing.T) {
	cfg := aggregator.DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.LineFrequency = 55
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.NeutralRatio = 75
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.ADCLag = 1
	assert.Error(t, bad.Validate())
}
