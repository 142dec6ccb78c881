package bot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ensemblebots/troupe/internal/config"
	"github.com/ensemblebots/troupe/internal/driver"
	"github.com/ensemblebots/troupe/internal/narrative"
	"github.com/ensemblebots/troupe/internal/state"
)

func writeWorkflow(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}
	return path
}

func newExecutor(t *testing.T, d driver.Driver, workflow string) *narrative.Executor {
	t.Helper()
	store, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	exec := narrative.NewExecutor(d, nil, store)
	if _, err := exec.LoadNarratives(writeWorkflow(t, workflow)); err != nil {
		t.Fatalf("load: %v", err)
	}
	return exec
}

const curateWorkflow = `
version: 1
narratives:
  - name: curate
    acts:
      - op: curate_next
        params:
          queue: review
`

func TestDrainStopsWhenQueueEmpty(t *testing.T) {
	d := driver.NewScripted("test")
	d.Script("curate_next",
		driver.ScriptedResult{Output: map[string]interface{}{"queue_empty": false}},
		driver.ScriptedResult{Output: map[string]interface{}{"queue_empty": false}},
		driver.ScriptedResult{Output: map[string]interface{}{"queue_empty": true}},
	)

	exec := newExecutor(t, d, curateWorkflow)
	b := New(config.BotConfig{
		Name:      "curator",
		Narrative: "curate",
		Scope:     "global",
		Schedule:  config.ScheduleConfig{Interval: config.Duration(time.Hour)},
		Drain:     config.DrainConfig{Enabled: true, MaxRuns: 10},
	}, exec)

	b.runOnce(context.Background(), reasonTick)

	if got := d.CallCount("curate_next"); got != 3 {
		t.Errorf("expected exactly 3 driver calls, got %d", got)
	}
	if st := b.Status(); st.Successes != 3 {
		t.Errorf("expected 3 successful executions, got %d", st.Successes)
	}
}

func TestDrainCapBoundsIterations(t *testing.T) {
	d := driver.NewScripted("test")
	// Misbehaving driver: the queue never empties.
	d.Script("curate_next", driver.ScriptedResult{Output: map[string]interface{}{"queue_empty": false}})

	exec := newExecutor(t, d, curateWorkflow)
	b := New(config.BotConfig{
		Name:      "curator",
		Narrative: "curate",
		Scope:     "global",
		Schedule:  config.ScheduleConfig{Interval: config.Duration(time.Hour)},
		Drain:     config.DrainConfig{Enabled: true, MaxRuns: 4},
	}, exec)

	b.runOnce(context.Background(), reasonTick)

	if got := d.CallCount("curate_next"); got != 4 {
		t.Errorf("expected the cap to stop at 4 calls, got %d", got)
	}
}

func TestFailedRunReturnsToIdle(t *testing.T) {
	d := driver.NewScripted("test")
	d.Script("curate_next", driver.ScriptedResult{Err: errors.New("platform down")})

	exec := newExecutor(t, d, curateWorkflow)
	b := New(config.BotConfig{
		Name:      "curator",
		Narrative: "curate",
		Scope:     "global",
		Schedule:  config.ScheduleConfig{Interval: config.Duration(time.Hour)},
	}, exec)

	b.runOnce(context.Background(), reasonTick)

	st := b.Status()
	if st.State != StateIdle {
		t.Errorf("failed bot must return to idle, got %s", st.State)
	}
	if st.Failures != 1 {
		t.Errorf("expected 1 failure, got %d", st.Failures)
	}
	if st.LastError == "" {
		t.Errorf("expected last error to be recorded")
	}

	// A failure never takes the bot down; the next tick runs again.
	b.runOnce(context.Background(), reasonTick)
	if st := b.Status(); st.Failures != 2 {
		t.Errorf("expected 2 failures after second tick, got %d", st.Failures)
	}
}

func TestTriggerRunsOutsideSchedule(t *testing.T) {
	d := driver.NewScripted("test")
	d.Script("curate_next", driver.ScriptedResult{Output: map[string]interface{}{"ok": true}})

	exec := newExecutor(t, d, curateWorkflow)
	b := New(config.BotConfig{
		Name:      "curator",
		Narrative: "curate",
		Scope:     "global",
		Schedule:  config.ScheduleConfig{Interval: config.Duration(time.Hour)},
	}, exec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()

	if !b.Trigger() {
		t.Fatalf("trigger rejected")
	}

	deadline := time.After(2 * time.Second)
	for b.Status().Successes == 0 {
		select {
		case <-deadline:
			t.Fatalf("triggered run never completed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done

	if st := b.Status(); st.Successes != 1 {
		t.Errorf("expected exactly 1 run, got %d", st.Successes)
	}
}

func TestSeedCounters(t *testing.T) {
	d := driver.NewScripted("test")
	d.Script("curate_next", driver.ScriptedResult{Output: map[string]interface{}{"ok": true}})
	exec := newExecutor(t, d, curateWorkflow)
	b := New(config.BotConfig{
		Name:      "curator",
		Narrative: "curate",
		Scope:     "global",
		Schedule:  config.ScheduleConfig{Interval: config.Duration(time.Hour)},
	}, exec)

	b.SeedCounters(7, 2)
	st := b.Status()
	if st.Successes != 7 || st.Failures != 2 {
		t.Errorf("expected 7/2 after seed, got %d/%d", st.Successes, st.Failures)
	}
}
