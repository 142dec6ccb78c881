package narrative

import (
	"fmt"

	"github.com/ensemblebots/troupe/internal/state"
)

// ParseError indicates a workflow source was not structurally valid YAML.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SchemaError indicates a workflow source parsed but violates the narrative
// schema: unknown fields, missing names, or acts naming operations the
// driver does not provide. A narrative with a schema error is not registered.
type SchemaError struct {
	Source    string
	Narrative string
	Act       int // 1-based act position, 0 when not act-specific
	Reason    string
}

func (e *SchemaError) Error() string {
	switch {
	case e.Narrative == "":
		return fmt.Sprintf("schema error in %s: %s", e.Source, e.Reason)
	case e.Act == 0:
		return fmt.Sprintf("schema error in %s: narrative %q: %s", e.Source, e.Narrative, e.Reason)
	default:
		return fmt.Sprintf("schema error in %s: narrative %q act %d: %s", e.Source, e.Narrative, e.Act, e.Reason)
	}
}

// NotFoundError indicates the named narrative is not in the registry.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("narrative not found: %s", e.Name)
}

// UnresolvedReferenceError indicates a template placeholder named a state
// key that does not exist in the scope that was searched.
type UnresolvedReferenceError struct {
	Key   string
	Scope state.Scope
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved state reference %q in scope %q", e.Key, e.Scope)
}

// StepError indicates a driver operation failed mid-narrative. Act is the
// 1-based position of the failing act.
type StepError struct {
	Narrative string
	Act       int
	Operation string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("narrative %q act %d (%s) failed: %v", e.Narrative, e.Act, e.Operation, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
