// Package events is the engine's event spine. Components report state
// changes as named events drawn from a fixed vocabulary; each event lands in
// the ring buffer, fans out to live subscribers, and is appended to Postgres
// when a client is attached.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ensemblebots/troupe/internal/storage/postgres"
)

var buffer = NewRingBuffer(256)

var (
	pgMu       sync.RWMutex
	pgClient   *postgres.Client
	pgFailOnce sync.Once
)

// SetPostgresClient attaches event persistence. Pass nil to detach.
func SetPostgresClient(client *postgres.Client) {
	pgMu.Lock()
	pgClient = client
	pgMu.Unlock()
}

// GetPostgresClient returns the attached client, or nil.
func GetPostgresClient() *postgres.Client {
	pgMu.RLock()
	defer pgMu.RUnlock()
	return pgClient
}

// Event is one structured engine event.
type Event struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Name      string                 `json:"event"`
	Message   string                 `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Emit records one event under a registered name and fans it out. The
// returned JSON is the encoding subscribers see.
func Emit(level, name, msg string, fields map[string]interface{}) ([]byte, error) {
	if err := Validate(name); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e := Event{
		Timestamp: now.Format(time.RFC3339Nano),
		Level:     level,
		Name:      name,
		Message:   msg,
		Fields:    fields,
	}

	buffer.Add(e)
	broadcast(e)
	persist(now, e)

	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", name, err)
	}
	return b, nil
}

// persist appends the event to Postgres when a client is attached. A failing
// database is reported once per process, written straight into the ring
// buffer so the report cannot recurse through Emit.
func persist(ts time.Time, e Event) {
	pgMu.RLock()
	client := pgClient
	pgMu.RUnlock()
	if client == nil {
		return
	}

	if err := client.Append(ts, e.Level, e.Name, e.Message, e.Fields); err != nil {
		pgFailOnce.Do(func() {
			buffer.Add(Event{
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
				Level:     "error",
				Name:      "system.error",
				Message:   "event persistence failed",
				Fields:    map[string]interface{}{"error": err.Error()},
			})
		})
	}
}

// Snapshot returns the buffered events, oldest first.
func Snapshot() []Event {
	return buffer.Snapshot()
}

// Clear resets the event buffer. Used for testing.
func Clear() {
	buffer.Clear()
}
