// Package bot implements the scheduled actors that drive the narrative
// executor, and the server that supervises them as a group.
package bot

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ensemblebots/troupe/internal/config"
	"github.com/ensemblebots/troupe/internal/driver"
	"github.com/ensemblebots/troupe/internal/events"
	"github.com/ensemblebots/troupe/internal/narrative"
	"github.com/ensemblebots/troupe/internal/state"
)

// State is the lifecycle state of a bot.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateFailed  State = "failed"
)

const (
	reasonTick    = "tick"
	reasonTrigger = "trigger"
)

// message is one mailbox entry. Schedule ticks and external triggers share
// the mailbox so both kinds of control obey one ordering discipline.
type message struct {
	reason string
}

// Status is a read-only snapshot of a bot for the ops API.
type Status struct {
	Name      string    `json:"name"`
	Narrative string    `json:"narrative"`
	Scope     string    `json:"scope"`
	State     State     `json:"state"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
	LastRun   time.Time `json:"last_run,omitempty"`
}

// Bot is a long-lived actor that repeatedly asks the shared executor to run
// one named narrative on its own schedule. A failed run is logged and the
// bot returns to idle for its next tick; no narrative error is fatal.
type Bot struct {
	cfg     config.BotConfig
	scope   state.Scope
	exec    *narrative.Executor
	mailbox chan message
	rng     *rand.Rand
	log     *logrus.Entry

	mu        sync.Mutex
	st        State
	successes int
	failures  int
	lastErr   string
	lastRun   time.Time
}

// New creates a bot bound to the shared executor. The bot's state scope
// comes from its config and is passed explicitly on every executor call.
func New(cfg config.BotConfig, exec *narrative.Executor) *Bot {
	return &Bot{
		cfg:     cfg,
		scope:   state.Scope(cfg.Scope),
		exec:    exec,
		mailbox: make(chan message, 8),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		log:     logrus.WithField("bot", cfg.Name),
		st:      StateIdle,
	}
}

// Name returns the bot's configured name.
func (b *Bot) Name() string { return b.cfg.Name }

// Trigger injects a "run now" message into the mailbox. Returns false if
// the mailbox is full.
func (b *Bot) Trigger() bool {
	select {
	case b.mailbox <- message{reason: reasonTrigger}:
		events.Emit("info", "bot.triggered", "", map[string]interface{}{
			"bot": b.cfg.Name,
		})
		return true
	default:
		return false
	}
}

// Status returns a snapshot of the bot's state and counters.
func (b *Bot) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:      b.cfg.Name,
		Narrative: b.cfg.Narrative,
		Scope:     b.cfg.Scope,
		State:     b.st,
		Successes: b.successes,
		Failures:  b.failures,
		LastError: b.lastErr,
		LastRun:   b.lastRun,
	}
}

// SeedCounters initializes run counters from persisted run history.
// Called before the bot starts.
func (b *Bot) SeedCounters(successes, failures int) {
	b.mu.Lock()
	b.successes = successes
	b.failures = failures
	b.mu.Unlock()
}

// Run is the bot's actor loop. It blocks until ctx is cancelled. Schedule
// ticks enqueue into the mailbox rather than running directly, so external
// triggers and timer ticks are processed in arrival order.
func (b *Bot) Run(ctx context.Context) {
	events.Emit("info", "bot.started", "", map[string]interface{}{
		"bot":       b.cfg.Name,
		"narrative": b.cfg.Narrative,
		"scope":     b.cfg.Scope,
		"interval":  b.cfg.Schedule.Interval.Std().String(),
	})

	timer := time.NewTimer(b.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			b.halt()
			return

		case <-timer.C:
			select {
			case b.mailbox <- message{reason: reasonTick}:
			default:
				// A run is already queued; skip this tick rather than pile up.
			}
			if !b.cfg.Schedule.Once {
				timer.Reset(b.nextDelay())
			}

		case msg := <-b.mailbox:
			b.runOnce(ctx, msg.reason)
			if b.cfg.Schedule.Once && msg.reason == reasonTick {
				b.halt()
				return
			}
		}
	}
}

func (b *Bot) halt() {
	events.Emit("info", "bot.halted", "", map[string]interface{}{
		"bot": b.cfg.Name,
	})
}

func (b *Bot) nextDelay() time.Duration {
	d := b.cfg.Schedule.Interval.Std()
	if j := b.cfg.Schedule.Jitter.Std(); j > 0 {
		d += time.Duration(b.rng.Int63n(int64(j)))
	}
	return d
}

// runOnce executes the bot's narrative. Drain-mode bots repeat until the
// driver reports the queue empty or the iteration cap is hit; the cap
// guarantees termination under a misbehaving driver.
func (b *Bot) runOnce(ctx context.Context, reason string) {
	b.setState(StateRunning)
	events.Emit("info", "bot.run.started", "", map[string]interface{}{
		"bot":    b.cfg.Name,
		"reason": reason,
	})

	runCtx := narrative.WithActor(ctx, b.cfg.Name)

	maxRuns := 1
	if b.cfg.Drain.Enabled {
		maxRuns = b.cfg.Drain.MaxRuns
	}

	executed := 0
	for i := 0; i < maxRuns; i++ {
		res, err := b.exec.ExecuteByName(runCtx, b.cfg.Narrative, b.scope)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// Shutdown caught the run at an act boundary; not a failure.
				b.setState(StateIdle)
				return
			}

			b.mu.Lock()
			b.failures++
			b.lastErr = err.Error()
			b.lastRun = time.Now()
			b.mu.Unlock()
			b.setState(StateFailed)

			b.log.WithError(err).Error("narrative run failed")
			events.Emit("error", "bot.run.failed", err.Error(), map[string]interface{}{
				"bot":       b.cfg.Name,
				"narrative": b.cfg.Narrative,
			})

			// Failed bots return to idle and wait for the next tick.
			b.setState(StateIdle)
			return
		}

		executed++
		b.mu.Lock()
		b.successes++
		b.lastErr = ""
		b.lastRun = time.Now()
		b.mu.Unlock()

		if !b.cfg.Drain.Enabled || queueEmpty(res.LastOutput) {
			break
		}
	}

	events.Emit("info", "bot.run.completed", "", map[string]interface{}{
		"bot":  b.cfg.Name,
		"runs": executed,
	})
	b.setState(StateIdle)
}

func (b *Bot) setState(st State) {
	b.mu.Lock()
	b.st = st
	b.mu.Unlock()
}

func queueEmpty(output map[string]interface{}) bool {
	v, ok := output[driver.QueueEmptyField]
	if !ok {
		return false
	}
	empty, ok := v.(bool)
	return ok && empty
}
