package bot

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ensemblebots/troupe/internal/config"
	"github.com/ensemblebots/troupe/internal/driver"
	"github.com/ensemblebots/troupe/internal/events"
	"github.com/ensemblebots/troupe/internal/narrative"
	"github.com/ensemblebots/troupe/internal/state"
	"github.com/ensemblebots/troupe/internal/storage/postgres"
)

// BotError is a server-level startup or control failure.
type BotError struct {
	Bot string
	Err error
}

func (e *BotError) Error() string {
	if e.Bot == "" {
		return fmt.Sprintf("bot server: %v", e.Err)
	}
	return fmt.Sprintf("bot %q: %v", e.Bot, e.Err)
}

func (e *BotError) Unwrap() error { return e.Err }

// Server owns the fleet: one shared executor, the set of bots, and their
// schedules. Startup is fail-fast: any bot whose workflow cannot be loaded
// aborts the whole start. After startup, bots are isolated failure domains.
type Server struct {
	cfg   *config.FleetConfig
	store *state.Store
	db    *postgres.Client // optional

	mu      sync.Mutex
	exec    *narrative.Executor
	bots    []*Bot
	byName  map[string]*Bot
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewServer creates a server over a validated fleet config. The database
// client may be nil; run history and counter restore are then skipped.
func NewServer(cfg *config.FleetConfig, store *state.Store, db *postgres.Client) *Server {
	return &Server{
		cfg:    cfg,
		store:  store,
		db:     db,
		byName: make(map[string]*Bot),
	}
}

// Start constructs the shared executor, loads every bot's workflow file
// (each distinct file once), and spawns all bots. It returns once all bots
// are running; they are long-running and only stop via Stop.
func (s *Server) Start(d driver.Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return &BotError{Err: fmt.Errorf("server already started")}
	}

	// A restart builds a fresh bot generation; the previous one was
	// drained by Stop.
	s.bots = nil
	s.byName = make(map[string]*Bot)

	exec := narrative.NewExecutor(d, s.db, s.store)

	loaded := make(map[string]bool)
	for _, bc := range s.cfg.Bots {
		if !loaded[bc.NarrativeFile] {
			if _, err := exec.LoadNarratives(bc.NarrativeFile); err != nil {
				return &BotError{Bot: bc.Name, Err: err}
			}
			loaded[bc.NarrativeFile] = true
		}
		if !exec.Has(bc.Narrative) {
			return &BotError{Bot: bc.Name, Err: &narrative.NotFoundError{Name: bc.Narrative}}
		}
	}
	s.exec = exec

	stats := s.restoreStats()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, bc := range s.cfg.Bots {
		b := New(bc, exec)
		if st, ok := stats[bc.Name]; ok {
			b.SeedCounters(st.Successes, st.Failures)
		}
		s.bots = append(s.bots, b)
		s.byName[b.Name()] = b

		s.wg.Add(1)
		go func(b *Bot) {
			defer s.wg.Done()
			b.Run(ctx)
		}(b)
	}

	s.running = true
	events.Emit("info", "server.started", "", map[string]interface{}{
		"fleet": s.cfg.Fleet.ID,
		"bots":  len(s.bots),
	})
	return nil
}

// restoreStats loads persisted run counters, if a database is attached.
func (s *Server) restoreStats() map[string]postgres.RunStats {
	if s.db == nil {
		return nil
	}
	stats, err := s.db.BotRunStats()
	if err != nil {
		logrus.WithError(err).Warn("run counter restore failed")
		return nil
	}
	events.Emit("info", "system.startup_restore", "", map[string]interface{}{
		"fleet":    s.cfg.Fleet.ID,
		"restored": len(stats),
	})
	return stats
}

// Stop signals every bot to stop and waits for them. Shutdown is
// cooperative: an in-flight run is abandoned at its next act boundary and a
// driver call is never interrupted mid-flight.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	events.Emit("info", "server.stopped", "", map[string]interface{}{
		"fleet": s.cfg.Fleet.ID,
	})
}

// Running reports whether the server has started and not yet stopped.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Executor returns the shared executor (nil before Start).
func (s *Server) Executor() *narrative.Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec
}

// Statuses returns a snapshot of every bot.
func (s *Server) Statuses() []Status {
	s.mu.Lock()
	bots := append([]*Bot{}, s.bots...)
	s.mu.Unlock()

	out := make([]Status, 0, len(bots))
	for _, b := range bots {
		out = append(out, b.Status())
	}
	return out
}

// Trigger asks the named bot to run now.
func (s *Server) Trigger(name string) error {
	s.mu.Lock()
	b, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return &BotError{Bot: name, Err: fmt.Errorf("unknown bot")}
	}
	if !b.Trigger() {
		return &BotError{Bot: name, Err: fmt.Errorf("mailbox full")}
	}
	return nil
}
