package narrative

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ensemblebots/troupe/internal/driver"
	"github.com/ensemblebots/troupe/internal/events"
	"github.com/ensemblebots/troupe/internal/state"
	"github.com/ensemblebots/troupe/internal/storage/postgres"
)

type actorKey struct{}

// WithActor tags the context with the bot running this execution, for run
// records and events. Executions without an actor are attributed to the CLI.
func WithActor(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, actorKey{}, name)
}

// ActorFrom returns the actor tagged on the context, or "".
func ActorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}

// RunResult summarizes one completed narrative execution.
type RunResult struct {
	RunID      string
	Narrative  string
	Acts       int
	LastOutput map[string]interface{}
}

// Executor owns the registry of loaded narratives and executes them against
// the platform driver, capturing outputs into the state store. One executor
// is shared by every bot in a server.
type Executor struct {
	driver driver.Driver
	db     *postgres.Client // optional run history
	store  *state.Store

	resolver *Resolver
	caps     map[string]struct{}

	mu         sync.RWMutex
	narratives map[string]Narrative

	recordErrOnce sync.Once
}

// NewExecutor creates an executor over the given driver, database handle
// (nil to skip run history), and state store.
func NewExecutor(d driver.Driver, db *postgres.Client, store *state.Store) *Executor {
	caps := make(map[string]struct{})
	for _, op := range d.Capabilities() {
		caps[op] = struct{}{}
	}
	return &Executor{
		driver:     d,
		db:         db,
		store:      store,
		resolver:   NewResolver(store),
		caps:       caps,
		narratives: make(map[string]Narrative),
	}
}

// LoadNarratives loads every narrative in the workflow file at path into the
// registry and returns their names. Loading is additive across calls;
// re-loading a name overwrites the prior definition. An act naming an
// operation outside the driver's capabilities fails the load with
// SchemaError and registers nothing from the file.
func (e *Executor) LoadNarratives(path string) ([]string, error) {
	loaded, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	for _, n := range loaded {
		for i, act := range n.Acts {
			if _, ok := e.caps[act.Operation]; !ok {
				return nil, &SchemaError{
					Source:    path,
					Narrative: n.Name,
					Act:       i + 1,
					Reason:    fmt.Sprintf("operation %q not provided by driver %s", act.Operation, e.driver.Name()),
				}
			}
		}
	}

	names := make([]string, 0, len(loaded))
	e.mu.Lock()
	for _, n := range loaded {
		e.narratives[n.Name] = n
		names = append(names, n.Name)
	}
	e.mu.Unlock()

	events.Emit("info", "narrative.loaded", "", map[string]interface{}{
		"file":       path,
		"narratives": names,
	})
	return names, nil
}

// Has reports whether a narrative is registered under name.
func (e *Executor) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.narratives[name]
	return ok
}

// Names returns the sorted names of all registered narratives.
func (e *Executor) Names() []string {
	e.mu.RLock()
	names := make([]string, 0, len(e.narratives))
	for name := range e.narratives {
		names = append(names, name)
	}
	e.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ExecuteByName runs the named narrative under the given state scope. Acts
// execute strictly in sequence: each act's parameters are resolved against
// the store as of that moment, so captures from earlier acts in the same
// run are visible. Captured outputs are durably flushed before the next act
// starts. The context is honored only at act boundaries; an in-flight
// driver call is never interrupted. No retries happen here; retry policy
// belongs to the bot that owns the schedule.
func (e *Executor) ExecuteByName(ctx context.Context, name string, scope state.Scope) (*RunResult, error) {
	e.mu.RLock()
	n, ok := e.narratives[name]
	if ok {
		n = n.clone()
	}
	e.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Name: name}
	}

	runID := uuid.NewString()
	actor := ActorFrom(ctx)

	events.Emit("info", "narrative.started", "", map[string]interface{}{
		"run_id":    runID,
		"narrative": n.Name,
		"scope":     string(scope),
		"bot":       actor,
	})

	var lastOutput map[string]interface{}
	for i, act := range n.Acts {
		if err := ctx.Err(); err != nil {
			events.Emit("info", "narrative.halted", "", map[string]interface{}{
				"run_id":    runID,
				"narrative": n.Name,
				"act":       i + 1,
			})
			e.recordRun(runID, actor, n.Name, scope, i, "halted", err.Error())
			return nil, err
		}

		events.Emit("info", "act.started", "", map[string]interface{}{
			"run_id":    runID,
			"narrative": n.Name,
			"act":       i + 1,
			"op":        act.Operation,
		})

		resolved, err := e.resolver.ResolveParams(act.Params, scope)
		if err != nil {
			e.failRun(runID, actor, n.Name, scope, i, act.Operation, err)
			return nil, err
		}

		output, err := e.driver.Invoke(ctx, act.Operation, resolved)
		if err != nil {
			step := &StepError{Narrative: n.Name, Act: i + 1, Operation: act.Operation, Err: err}
			e.failRun(runID, actor, n.Name, scope, i, act.Operation, step)
			return nil, step
		}

		if len(act.Capture) > 0 {
			entries := make(map[string]interface{}, len(act.Capture))
			for field, key := range act.Capture {
				v, present := output[field]
				if !present {
					step := &StepError{Narrative: n.Name, Act: i + 1, Operation: act.Operation,
						Err: fmt.Errorf("output field %q missing for capture into %q", field, key)}
					e.failRun(runID, actor, n.Name, scope, i, act.Operation, step)
					return nil, step
				}
				entries[key] = v
			}
			// Durable flush before the next act starts.
			if err := e.store.Write(scope, entries); err != nil {
				e.failRun(runID, actor, n.Name, scope, i, act.Operation, err)
				return nil, err
			}
		}

		lastOutput = output
		events.Emit("info", "act.completed", "", map[string]interface{}{
			"run_id":    runID,
			"narrative": n.Name,
			"act":       i + 1,
			"op":        act.Operation,
		})
	}

	events.Emit("info", "narrative.completed", "", map[string]interface{}{
		"run_id":    runID,
		"narrative": n.Name,
		"scope":     string(scope),
		"acts":      len(n.Acts),
		"bot":       actor,
	})
	e.recordRun(runID, actor, n.Name, scope, len(n.Acts), "ok", "")

	return &RunResult{
		RunID:      runID,
		Narrative:  n.Name,
		Acts:       len(n.Acts),
		LastOutput: lastOutput,
	}, nil
}

func (e *Executor) failRun(runID, actor, name string, scope state.Scope, actIdx int, op string, cause error) {
	events.Emit("error", "act.failed", cause.Error(), map[string]interface{}{
		"run_id":    runID,
		"narrative": name,
		"act":       actIdx + 1,
		"op":        op,
	})
	events.Emit("error", "narrative.failed", cause.Error(), map[string]interface{}{
		"run_id":    runID,
		"narrative": name,
		"scope":     string(scope),
		"bot":       actor,
	})
	e.recordRun(runID, actor, name, scope, actIdx, "failed", cause.Error())
}

func (e *Executor) recordRun(runID, actor, name string, scope state.Scope, acts int, status, errMsg string) {
	if e.db == nil {
		return
	}
	if err := e.db.RecordRun(runID, actor, name, string(scope), acts, status, errMsg); err != nil {
		e.recordErrOnce.Do(func() {
			events.Emit("error", "system.error", "run record insert failed", map[string]interface{}{
				"error": err.Error(),
			})
		})
	}
}
