package errors

// Common error codes
const (
	// System errors
	ErrInternal       ErrorCode = "internal_error"
	ErrAlreadyRunning ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig     ErrorCode = "invalid_configuration"
	ErrBindFlags         ErrorCode = "bind_flags_failed"
	ErrReadConfig        ErrorCode = "read_config_failed"
	ErrInvalidBaseline   ErrorCode = "invalid_baseline"
	ErrInvalidRateBounds ErrorCode = "invalid_rate_bounds"
	ErrInvalidEasing     ErrorCode = "invalid_easing"
	ErrInvalidFrameRate  ErrorCode = "invalid_frame_rate"
	ErrInvalidVolume     ErrorCode = "invalid_volume"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Application errors
	ErrInitApp        ErrorCode = "init_app_failed"
	ErrMainLoop       ErrorCode = "main_loop_failed"
	ErrConnectRower   ErrorCode = "connect_rower_failed"
	ErrConnectHR      ErrorCode = "connect_heart_rate_failed"
	ErrInitAudio      ErrorCode = "init_audio_failed"
	ErrInitDisplay    ErrorCode = "init_display_failed"
	ErrInitPublisher  ErrorCode = "init_publisher_failed"
	ErrInitSession    ErrorCode = "init_session_failed"
	ErrRecordSession  ErrorCode = "record_session_failed"
	ErrCloseSession   ErrorCode = "close_session_failed"
	ErrDecodeFrame    ErrorCode = "decode_frame_failed"
	ErrActuatorFailed ErrorCode = "actuator_failed"

	// Operation errors
	ErrTimeout ErrorCode = "operation_timeout"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:          "Internal error occurred",
	ErrAlreadyRunning:    "Another instance is already running",
	ErrInvalidConfig:     "Invalid configuration",
	ErrBindFlags:         "Failed to bind flags",
	ErrReadConfig:        "Failed to read config file",
	ErrInvalidBaseline:   "Baseline stroke rate out of range",
	ErrInvalidRateBounds: "Invalid playback rate bounds",
	ErrInvalidEasing:     "Easing constants must be in (0, 1]",
	ErrInvalidFrameRate:  "Invalid frame rate",
	ErrInvalidVolume:     "Volume must be between 0 and 1",
	ErrInvalidLogLevel:   "Invalid log level",
	ErrShutdownFailed:    "Shutdown failed",
	ErrTimeout:           "Operation timed out",
	ErrInitApp:           "Failed to initialize application",
	ErrMainLoop:          "Error in main loop",
	ErrConnectRower:      "Failed to connect rowing machine",
	ErrConnectHR:         "Failed to connect heart rate monitor",
	ErrInitAudio:         "Failed to initialize audio output",
	ErrInitDisplay:       "Failed to start display server",
	ErrInitPublisher:     "Failed to connect telemetry publisher",
	ErrInitSession:       "Failed to initialize session recorder",
	ErrRecordSession:     "Failed to record session sample",
	ErrCloseSession:      "Failed to close session recorder",
	ErrDecodeFrame:       "Failed to decode notification frame",
	ErrActuatorFailed:    "Playback surface rejected command",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
