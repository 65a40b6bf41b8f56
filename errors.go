// errors.go: structured errors returned by Map operations
//
// Every failure a Map reports carries a stable code from the go-errors
// library so callers can branch on the kind of failure without parsing
// messages. Lookups never fail; only mutations return these errors.
package chm

import (
	goerrors "errors"

	"github.com/agilira/go-errors"
)

// Error codes for Map operations.
const (
	// ErrCodeInvalidArgument is reported when a key or value is nil.
	ErrCodeInvalidArgument errors.ErrorCode = "CHM_INVALID_ARGUMENT"
	// ErrCodeReentrantUpdate is reported when a compute callback mutates
	// the map it is running inside.
	ErrCodeReentrantUpdate errors.ErrorCode = "CHM_REENTRANT_UPDATE"
	// ErrCodeResourceExhausted is reported when the doubled table for a
	// resize could not be allocated.
	ErrCodeResourceExhausted errors.ErrorCode = "CHM_RESOURCE_EXHAUSTED"
	// ErrCodeIncomparableValue is reported when an operation needs value
	// equality but V is not comparable and no WithValueEqual was given.
	ErrCodeIncomparableValue errors.ErrorCode = "CHM_INCOMPARABLE_VALUE"
	// ErrCodeNoCurrentEntry is reported by Iterator.Remove when Next has not
	// returned an entry since the last Remove.
	ErrCodeNoCurrentEntry errors.ErrorCode = "CHM_NO_CURRENT_ENTRY"
)

const (
	msgNilKey             = "key must not be nil"
	msgNilValue           = "value must not be nil"
	msgReentrantUpdate    = "recursive update: map mutated from inside a compute callback"
	msgResourceExhausted  = "unable to allocate table for resize"
	msgIncomparableValue  = "value type is not comparable; configure WithValueEqual"
	msgNoCurrentEntry     = "iterator has no current entry"
	severityCritical      = "critical"
	contextKeyOperation   = "operation"
	contextKeyCapacity    = "capacity"
	contextKeyRequested   = "requested"
	contextKeyArgument    = "argument"
	contextKeyValueType   = "value_type"
	argumentKey           = "key"
	argumentValue         = "value"
	argumentExpectedValue = "expected_value"
)

// newErrNilKey creates an invalid-argument error for a nil key.
func newErrNilKey(operation string) error {
	return errors.NewWithContext(ErrCodeInvalidArgument, msgNilKey, map[string]interface{}{
		contextKeyOperation: operation,
		contextKeyArgument:  argumentKey,
	})
}

// newErrNilValue creates an invalid-argument error for a nil value.
func newErrNilValue(operation, argument string) error {
	return errors.NewWithContext(ErrCodeInvalidArgument, msgNilValue, map[string]interface{}{
		contextKeyOperation: operation,
		contextKeyArgument:  argument,
	})
}

func newErrReentrantUpdate(operation string) error {
	return errors.NewWithField(ErrCodeReentrantUpdate, msgReentrantUpdate, contextKeyOperation, operation)
}

// newErrResourceExhausted wraps the allocation failure that aborted a resize.
func newErrResourceExhausted(capacity, requested int, cause error) error {
	if cause != nil {
		return errors.Wrap(cause, ErrCodeResourceExhausted, msgResourceExhausted).
			WithContext(contextKeyCapacity, capacity).
			WithContext(contextKeyRequested, requested).
			WithSeverity(severityCritical)
	}
	return errors.NewWithContext(ErrCodeResourceExhausted, msgResourceExhausted, map[string]interface{}{
		contextKeyCapacity:  capacity,
		contextKeyRequested: requested,
	}).WithSeverity(severityCritical)
}

func newErrIncomparableValue(operation, valueType string) error {
	return errors.NewWithContext(ErrCodeIncomparableValue, msgIncomparableValue, map[string]interface{}{
		contextKeyOperation: operation,
		contextKeyValueType: valueType,
	})
}

func newErrNoCurrentEntry() error {
	return errors.NewWithField(ErrCodeNoCurrentEntry, msgNoCurrentEntry, contextKeyOperation, "Remove")
}

// IsInvalidArgument reports whether err was caused by a nil key or value.
func IsInvalidArgument(err error) bool {
	return errors.HasCode(err, ErrCodeInvalidArgument)
}

// IsReentrantUpdate reports whether err was caused by a compute callback
// mutating its own map.
func IsReentrantUpdate(err error) bool {
	return errors.HasCode(err, ErrCodeReentrantUpdate)
}

// IsResourceExhausted reports whether err was caused by a failed resize allocation.
func IsResourceExhausted(err error) bool {
	return errors.HasCode(err, ErrCodeResourceExhausted)
}

// IsIncomparableValue reports whether err was caused by missing value equality.
func IsIncomparableValue(err error) bool {
	return errors.HasCode(err, ErrCodeIncomparableValue)
}

// IsNoCurrentEntry reports whether err came from an Iterator.Remove without
// a current entry.
func IsNoCurrentEntry(err error) bool {
	return errors.HasCode(err, ErrCodeNoCurrentEntry)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) errors.ErrorCode {
	if err == nil {
		return ""
	}
	var coder errors.ErrorCoder
	if goerrors.As(err, &coder) {
		return coder.ErrorCode()
	}
	return ""
}

// GetErrorContext extracts context from an error
func GetErrorContext(err error) map[string]interface{} {
	if err == nil {
		return nil
	}
	var chmErr *errors.Error
	if goerrors.As(err, &chmErr) {
		return chmErr.Context
	}
	return nil
}
