// Package driver defines the platform capability surface narrative acts are
// executed against. One implementation exists per target platform; the
// executor never branches on which driver is installed.
package driver

import (
	"context"
	"fmt"
)

// QueueEmptyField is the conventional output field a queue-backed operation
// sets to true when there is no more work. Drain-mode bots stop repeating
// their narrative when they see it.
const QueueEmptyField = "queue_empty"

// Driver is the polymorphic operation-invocation surface.
type Driver interface {
	// Name identifies the target platform (for logs and events).
	Name() string

	// Capabilities lists the operation names this driver can invoke.
	Capabilities() []string

	// Invoke runs one named operation with fully-resolved parameters and
	// returns its structured output. Implementations are responsible for
	// their own timeouts; the engine never interrupts an invocation.
	Invoke(ctx context.Context, operation string, params map[string]interface{}) (map[string]interface{}, error)
}

// OperationError wraps a failure of one driver operation.
type OperationError struct {
	Driver    string
	Operation string
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("driver %s: operation %s: %v", e.Driver, e.Operation, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
