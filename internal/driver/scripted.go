package driver

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedResult is one canned response for a scripted operation.
type ScriptedResult struct {
	Output map[string]interface{}
	Err    error
}

// Invocation records one operation call and its resolved parameters.
type Invocation struct {
	Operation string
	Params    map[string]interface{}
}

// Scripted is an in-memory driver that replays canned responses. It backs
// tests and the dry-run CLI path. Responses for an operation are returned in
// order; the last one repeats once the script is exhausted.
type Scripted struct {
	name string

	mu      sync.Mutex
	scripts map[string][]ScriptedResult
	cursor  map[string]int
	calls   []Invocation
}

// NewScripted creates a scripted driver with the given platform name.
func NewScripted(name string) *Scripted {
	return &Scripted{
		name:    name,
		scripts: make(map[string][]ScriptedResult),
		cursor:  make(map[string]int),
	}
}

// Script appends canned responses for an operation. Calling Script registers
// the operation as a capability.
func (s *Scripted) Script(operation string, results ...ScriptedResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[operation] = append(s.scripts[operation], results...)
}

func (s *Scripted) Name() string { return s.name }

func (s *Scripted) Capabilities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]string, 0, len(s.scripts))
	for op := range s.scripts {
		ops = append(ops, op)
	}
	return ops
}

func (s *Scripted) Invoke(ctx context.Context, operation string, params map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, Invocation{Operation: operation, Params: params})

	script, ok := s.scripts[operation]
	if !ok || len(script) == 0 {
		return nil, &OperationError{Driver: s.name, Operation: operation, Err: fmt.Errorf("operation not scripted")}
	}

	i := s.cursor[operation]
	if i >= len(script) {
		i = len(script) - 1
	} else {
		s.cursor[operation] = i + 1
	}

	res := script[i]
	if res.Err != nil {
		return nil, &OperationError{Driver: s.name, Operation: operation, Err: res.Err}
	}

	out := make(map[string]interface{}, len(res.Output))
	for k, v := range res.Output {
		out[k] = v
	}
	return out, nil
}

// Calls returns the sequence of invocations so far.
func (s *Scripted) Calls() []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Invocation{}, s.calls...)
}

// CallCount returns how many times the given operation was invoked.
func (s *Scripted) CallCount(operation string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Operation == operation {
			n++
		}
	}
	return n
}
