package errors

import sterrors "errors"

var (
	ErrConfigRequired    = sterrors.New("backplane: config is required")
	ErrLoggerRequired    = sterrors.New("backplane: logger is required")
	ErrBrokerDestroyed   = sterrors.New("backplane: broker is destroyed")
	ErrChannelRequired   = sterrors.New("backplane: channel name is required")
	ErrCallbackRequired  = sterrors.New("backplane: subscription callback is required")
	ErrClientIDRequired  = sterrors.New("backplane: client id is required")
	ErrKeyRequired       = sterrors.New("backplane: key is required")
	ErrArgIndex          = sterrors.New("backplane: argument index out of range")
	ErrConnReleased      = sterrors.New("backplane: shared connection released more times than acquired")
	ErrMissingEventField = sterrors.New("backplane: event is missing a required field")
)

// ConfigValidationError marks a configuration that failed Validate. The
// underlying error usually joins several field problems.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "backplane: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
