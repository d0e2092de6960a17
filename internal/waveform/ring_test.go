package waveform_test

import (
	"sync"
	"testing"

	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/sample"
	"codeberg.org/mutker/tripunit/internal/waveform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marker(n int) sample.Sample {
	var s sample.Sample
	s.AFE[sample.Ia] = int32(n)
	s.AFE[sample.Vcn] = int32(-n)
	s.LowGain[sample.In] = int32(n * 3)

	return s
}

func TestRingBufferLength(t *testing.T) {
	assert.Equal(t, 3120, waveform.NewRingBuffer(80, 36, 3).Len())
	assert.Equal(t, 3744, waveform.NewRingBuffer(96, 36, 3).Len())
}

func TestRingBufferAdvancesOneSlot(t *testing.T) {
	r := waveform.NewRingBuffer(80, 36, 3)
	for i := range 5000 {
		s := marker(i)
		assert.Equal(t, uint64(i+1), r.Record(&s))
	}
	assert.Equal(t, 5000%3120, r.Cursor())
	assert.Equal(t, 1234, r.Index(-1886))
}

func TestRingBufferRead(t *testing.T) {
	r := waveform.NewRingBuffer(80, 36, 3)
	for i := range 100 {
		s := marker(i)
		r.Record(&s)
	}

	var dst [sample.Width]int32
	ok, err := r.Read(42, &dst)
	require.NoError(t, err)
	require.True(t, ok)
	got := sample.Unflatten(&dst)
	assert.Equal(t, marker(42), got)

	ok, err = r.Read(100, &dst)
	require.NoError(t, err)
	assert.False(t, ok, "not yet recorded")

	dst[0] = 7
	ok, err = r.Read(-5, &dst)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, [sample.Width]int32{}, dst)
}

func TestRingBufferOverrun(t *testing.T) {
	r := waveform.NewRingBuffer(80, 36, 3)
	for i := range 3120 + 10 {
		s := marker(i)
		r.Record(&s)
	}

	var dst [sample.Width]int32
	_, err := r.Read(5, &dst)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrSampleOverrun))

	// The writer's next sample goes to the slot of abs 10, which may be
	// under way, so 10 already counts as lapped.
	_, err = r.Read(10, &dst)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrSampleOverrun))

	ok, err := r.Read(11, &dst)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(11), dst[sample.Ia])
}

func TestRingBufferConcurrentReader(t *testing.T) {
	r := waveform.NewRingBuffer(80, 36, 3)
	const total = 20000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range total {
			s := marker(i)
			r.Record(&s)
		}
	}()

	var dst [sample.Width]int32
	var abs int64
	for abs < total {
		ok, err := r.Read(abs, &dst)
		if err != nil {
			// The reader fell a full lap behind; skip to the cursor.
			abs = int64(r.Written())
			continue
		}
		if !ok {
			continue
		}
		require.Equal(t, int32(abs), dst[sample.Ia])
		require.Equal(t, int32(-abs), dst[sample.Vcn])
		abs++
	}
	wg.Wait()
}
