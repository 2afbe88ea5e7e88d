package dialogue

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrStoreUnavailable    = errors.New("dialogue store unavailable")
	ErrIncompleteSlots     = errors.New("required slots missing")
)

// ValidationError reports tool arguments that do not match the tool schema.
type ValidationError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Tool, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// IncompleteSlotsError is returned when a terminal tool is requested before
// every slot it needs is known. Supplied holds the slots the call did carry.
type IncompleteSlotsError struct {
	Tool     string
	Missing  []SlotKey
	Supplied SlotSet
}

func (e *IncompleteSlotsError) Error() string {
	keys := make([]string, len(e.Missing))
	for i, k := range e.Missing {
		keys[i] = string(k)
	}
	return fmt.Sprintf("%s: missing %s", e.Tool, strings.Join(keys, ", "))
}

func (e *IncompleteSlotsError) Unwrap() error { return ErrIncompleteSlots }

// StoreError wraps a persistence failure. It matches ErrStoreUnavailable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// Unavailable wraps err as a StoreError for op. It returns nil for a nil err.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// UpstreamError wraps a failure of an external provider. It matches
// ErrUpstreamUnavailable and keeps the cause in the chain.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrUpstreamUnavailable, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstreamUnavailable }
