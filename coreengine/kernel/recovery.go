package kernel

import (
	"fmt"
	"runtime/debug"
)

// PanicError is a panic recovered by one of the Safe helpers.
type PanicError struct {
	Operation string
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

func recovered(logger Logger, event, operation string, value any) *PanicError {
	pe := &PanicError{Operation: operation, Value: value, Stack: debug.Stack()}
	if logger != nil {
		logger.Error(event,
			"operation", operation,
			"panic", value,
			"stack", string(pe.Stack),
		)
	}
	return pe
}

// SafeExecute runs fn, turning a panic into a *PanicError.
// The operation parameter is used for logging context.
func SafeExecute(logger Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(logger, "panic_recovered", operation, r)
		}
	}()
	return fn()
}

// SafeExecuteWithResult is SafeExecute for functions that also return a value.
// On panic the zero value is returned.
func SafeExecuteWithResult[T any](logger Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			result = zero
			err = recovered(logger, "panic_recovered", operation, r)
		}
	}()
	return fn()
}

// SafeGo runs fn on a new goroutine. A panic is logged and passed to onPanic
// instead of crashing the process.
func SafeGo(logger Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				recovered(logger, "goroutine_panic_recovered", operation, r)
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
