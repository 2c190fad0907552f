package bridge

import (
	"errors"
	"fmt"
)

// Sentinel errors reported by bridges.
var (
	ErrNotConnected      = errors.New("not connected")
	ErrValidation        = errors.New("validation failed")
	ErrSourceUnavailable = errors.New("metrics source unavailable")
	ErrNotDiscoveryRoot  = errors.New("discover called on a bound instance")
	ErrQueueClosed       = errors.New("push queue closed")
	ErrSuperseded        = errors.New("push superseded by a newer item")
)

// ValidationError reports rejected connect options, push payloads or
// configuration. errors.Is(err, ErrValidation) holds for every instance.
type ValidationError struct {
	Subject string // "connect", "push", "config"
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Subject, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
