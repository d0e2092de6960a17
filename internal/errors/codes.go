package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotImplemented  ErrorCode = "not_implemented"
	ErrUnavailable     ErrorCode = "service_unavailable"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig    ErrorCode = "invalid_configuration"
	ErrMissingConfig    ErrorCode = "missing_configuration"
	ErrBindFlags        ErrorCode = "bind_flags_failed"
	ErrReadConfig       ErrorCode = "read_config_failed"
	ErrInvalidFrequency ErrorCode = "invalid_line_frequency"
	ErrInvalidRatio     ErrorCode = "invalid_neutral_ratio"
	ErrInvalidSetpoint  ErrorCode = "invalid_setpoint"
	ErrTimingInvariant  ErrorCode = "timing_invariant_violated"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Resource errors
	ErrResourceBusy      ErrorCode = "resource_busy"
	ErrResourceNotFound  ErrorCode = "resource_not_found"
	ErrResourceExhausted ErrorCode = "resource_exhausted"

	// Sampling pipeline errors
	ErrClockNotStable   ErrorCode = "clock_not_stable"
	ErrSampleOverrun    ErrorCode = "sample_overrun"
	ErrCaptureCollision ErrorCode = "capture_collision"
	ErrScaleOverflow    ErrorCode = "scale_overflow"

	// Application errors
	ErrInitApp      ErrorCode = "init_app_failed"
	ErrMainLoop     ErrorCode = "main_loop_failed"
	ErrSamplingLoop ErrorCode = "sampling_loop_failed"
	ErrBackground   ErrorCode = "background_loop_failed"

	// Operation errors
	ErrOperationFailed  ErrorCode = "operation_failed"
	ErrTimeout          ErrorCode = "operation_timeout"
	ErrInvalidOperation ErrorCode = "invalid_operation"

	// Metering errors
	ErrInitMetering    ErrorCode = "init_metering_failed"
	ErrCollectMetering ErrorCode = "collect_metering_failed"
	ErrCloseMetering   ErrorCode = "close_metering_failed"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:          "Internal error occurred",
	ErrInvalidArgument:   "Invalid argument provided",
	ErrNotImplemented:    "Operation not implemented",
	ErrUnavailable:       "Service unavailable",
	ErrAlreadyRunning:    "Another instance is already running",
	ErrInvalidConfig:     "Invalid configuration",
	ErrMissingConfig:     "Missing configuration",
	ErrBindFlags:         "Failed to bind flags",
	ErrReadConfig:        "Failed to read configuration",
	ErrInvalidFrequency:  "Line frequency must be 50 or 60 Hz",
	ErrInvalidRatio:      "Neutral ratio must be one of 0, 60, 100, 200 percent",
	ErrInvalidSetpoint:   "Capture setpoint out of range",
	ErrTimingInvariant:   "Capture writer cannot drain a region before the cursor wraps onto it",
	ErrInvalidLogLevel:   "Invalid log level",
	ErrInitFailed:        "Initialization failed",
	ErrShutdownFailed:    "Shutdown failed",
	ErrResourceBusy:      "Resource is busy",
	ErrResourceNotFound:  "Resource not found",
	ErrResourceExhausted: "Resource exhausted",
	ErrClockNotStable:    "Front-end clock not stable",
	ErrSampleOverrun:     "Write cursor lapped an unstored capture region",
	ErrCaptureCollision:  "Capture of this kind already in progress",
	ErrScaleOverflow:     "Sample magnitude clamped",
	ErrInitApp:           "Failed to initialize application",
	ErrMainLoop:          "Error in main loop",
	ErrSamplingLoop:      "Error in sampling loop",
	ErrBackground:        "Error in background loop",
	ErrOperationFailed:   "Operation failed",
	ErrTimeout:           "Operation timed out",
	ErrInvalidOperation:  "Invalid operation",
	ErrInitMetering:      "Failed to initialize metering",
	ErrCollectMetering:   "Failed to collect metering data",
	ErrCloseMetering:     "Failed to close metering storage",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
