// Package narrative implements the workflow engine: loading narrative
// definitions, resolving templated parameters against the state store, and
// executing acts against the platform driver.
package narrative

// Narrative is a named, ordered workflow of acts. Immutable once loaded.
type Narrative struct {
	Name string
	Acts []Act
}

// Act is one step of a narrative: a driver operation, its parameters
// (literal or templated), and an optional mapping from output fields to
// state keys captured after the operation succeeds.
type Act struct {
	Operation string
	Params    map[string]interface{}
	Capture   map[string]string
}

// clone returns a shallow copy safe to hand to callers; acts and their
// maps are never mutated after load.
func (n Narrative) clone() Narrative {
	acts := make([]Act, len(n.Acts))
	copy(acts, n.Acts)
	return Narrative{Name: n.Name, Acts: acts}
}
