package errors_test

import (
	"fmt"
	"testing"

	"codeberg.org/mutker/tripunit/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	factory := errors.New()

	err := factory.New(errors.ErrSampleOverrun)
	assert.Equal(t, "Write cursor lapped an unstored capture region", err.Error())

	err = factory.WithData(errors.ErrInvalidSetpoint, "pre_event_cycles=30")
	assert.Equal(t, "Capture setpoint out of range: pre_event_cycles=30", err.Error())

	err = factory.Wrap(errors.ErrReadConfig, fmt.Errorf("boom"))
	assert.Equal(t, "Failed to read configuration: boom", err.Error())

	err = factory.New(errors.ErrorCode("custom_code"))
	assert.Equal(t, "custom_code", err.Error())
}

func TestHasCode(t *testing.T) {
	factory := errors.New()

	inner := factory.New(errors.ErrSampleOverrun)
	outer := factory.Wrap(errors.ErrBackground, inner)

	assert.True(t, errors.HasCode(outer, errors.ErrBackground))
	assert.True(t, errors.HasCode(outer, errors.ErrSampleOverrun))
	assert.False(t, errors.HasCode(outer, errors.ErrTimeout))
	assert.False(t, errors.HasCode(fmt.Errorf("plain"), errors.ErrTimeout))
	assert.True(t, errors.Is(outer, factory.New(errors.ErrBackground)))
}
