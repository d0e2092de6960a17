package aggregator

import "codeberg.org/mutker/tripunit/internal/errors"

const (
	ErrInvalidADCLag    = errors.ErrorCode("aggregator_invalid_adc_lag")
	ErrInvalidGainRatio = errors.ErrorCode("aggregator_invalid_gain_ratio")
)
