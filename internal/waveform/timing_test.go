package waveform_test

import (
	"testing"
	"time"

	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/waveform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTiming(t *testing.T) {
	tests := []struct {
		name    string
		timing  waveform.Timing
		wantErr errors.ErrorCode
	}{
		{
			name: "fast writer",
			timing: waveform.Timing{
				LineFrequency: 60, MaxPreEventCycles: 28,
				Interval: 2 * time.Millisecond, SamplesPerPage: 64, PagesPerStep: 4, StartLatency: 4 * time.Millisecond,
			},
		},
		{
			name: "fast writer at 50 Hz",
			timing: waveform.Timing{
				LineFrequency: 50, MaxPreEventCycles: 28,
				Interval: 2 * time.Millisecond, SamplesPerPage: 64, PagesPerStep: 4, StartLatency: 4 * time.Millisecond,
			},
		},
		{
			name: "one small page per step just keeps up with three captures",
			timing: waveform.Timing{
				LineFrequency: 60, MaxPreEventCycles: 28,
				Interval: 1500 * time.Microsecond, SamplesPerPage: 22, PagesPerStep: 1,
			},
		},
		{
			name: "one page per step falls behind three captures",
			timing: waveform.Timing{
				LineFrequency: 60, MaxPreEventCycles: 28,
				Interval: 1500 * time.Microsecond, SamplesPerPage: 10, PagesPerStep: 1,
			},
			wantErr: errors.ErrTimingInvariant,
		},
		{
			name: "slow writer",
			timing: waveform.Timing{
				LineFrequency: 60, MaxPreEventCycles: 8,
				Interval: 10 * time.Millisecond, SamplesPerPage: 64, PagesPerStep: 1, StartLatency: 20 * time.Millisecond,
			},
			wantErr: errors.ErrTimingInvariant,
		},
		{
			name: "start latency eats the margin",
			timing: waveform.Timing{
				LineFrequency: 60, MaxPreEventCycles: 28,
				Interval: time.Millisecond, SamplesPerPage: 64, PagesPerStep: 16, StartLatency: 200 * time.Millisecond,
			},
			wantErr: errors.ErrTimingInvariant,
		},
		{
			name: "setpoint out of range",
			timing: waveform.Timing{
				LineFrequency: 60, MaxPreEventCycles: 30,
				Interval: time.Millisecond, SamplesPerPage: 64, PagesPerStep: 16,
			},
			wantErr: errors.ErrInvalidSetpoint,
		},
		{
			name: "bad frequency",
			timing: waveform.Timing{
				LineFrequency: 55, MaxPreEventCycles: 8,
				Interval: time.Millisecond, SamplesPerPage: 64, PagesPerStep: 16,
			},
			wantErr: errors.ErrInvalidFrequency,
		},
		{
			name: "zero interval",
			timing: waveform.Timing{
				LineFrequency: 60, MaxPreEventCycles: 8, SamplesPerPage: 64, PagesPerStep: 16,
			},
			wantErr: errors.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := waveform.ValidateTiming(tt.timing)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, errors.HasCode(err, tt.wantErr), "got %v", err)

				return
			}
			require.NoError(t, err)
			assert.Less(t, report.WorstGap, float64(report.BufferLength))
		})
	}
}
