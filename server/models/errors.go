package models

import (
	"errors"
	"fmt"
)

var (
	// ErrUsage marks a call made in the wrong running mode.
	ErrUsage = errors.New("usage error")
	// ErrInference marks a detection call that produced no result.
	ErrInference = errors.New("inference error")
	// ErrSource marks input metadata or frames that could not be obtained.
	ErrSource = errors.New("source error")
	// ErrListenerRequired is returned when LIVE_STREAM is configured without a listener.
	ErrListenerRequired = errors.New("a result listener must be set for LIVE_STREAM mode")
	// ErrEngineClosed is returned by detection calls when no engine instance is live.
	ErrEngineClosed = errors.New("pose landmarker is not initialized")
)

type ConfigErrorKind int

const (
	// ConfigStructural means the engine could not be built at all.
	ConfigStructural ConfigErrorKind = iota
	// ConfigCapability means the delegate is not supported by the model.
	ConfigCapability
)

func (k ConfigErrorKind) String() string {
	switch k {
	case ConfigStructural:
		return "structural"
	case ConfigCapability:
		return "capability"
	default:
		return fmt.Sprintf("ConfigErrorKind(%d)", int(k))
	}
}

type ConfigError struct {
	Kind ConfigErrorKind
	Err  error
}

func NewConfigError(kind ConfigErrorKind, err error) *ConfigError {
	return &ConfigError{Kind: kind, Err: err}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("failed to initialize pose landmarker (%s): %v", e.Kind, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsCapabilityError reports whether err is a delegate capability failure,
// which can usually be recovered by rebuilding on the CPU delegate.
func IsCapabilityError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr) && cfgErr.Kind == ConfigCapability
}

// ErrorKind is the code delivered to a Listener alongside an error message.
type ErrorKind int

const (
	ErrorKindOther ErrorKind = iota
	ErrorKindGPU
)

func (k ErrorKind) String() string {
	if k == ErrorKindGPU {
		return "GPU_ERROR"
	}
	return "OTHER_ERROR"
}

func (k ErrorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func ErrorKindFor(err error) ErrorKind {
	if IsCapabilityError(err) {
		return ErrorKindGPU
	}
	return ErrorKindOther
}
