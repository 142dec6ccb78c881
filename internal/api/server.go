package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ensemblebots/troupe/internal/bot"
	"github.com/ensemblebots/troupe/internal/events"
)

// Fleet is the surface of the bot server the API needs.
type Fleet interface {
	Statuses() []bot.Status
	Trigger(name string) error
}

// NarrativeLister exposes the executor's registry for inspection.
type NarrativeLister interface {
	Names() []string
}

var (
	fleet      Fleet
	narratives NarrativeLister
)

// SetFleet installs the bot server consulted by bot endpoints.
func SetFleet(f Fleet) {
	fleet = f
}

// SetNarrativeLister installs the registry consulted by /narratives.
func SetNarrativeLister(l NarrativeLister) {
	narratives = l
}

type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Hostname  string `json:"hostname"`
	Timestamp string `json:"ts"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	resp := HealthResponse{
		Status:    "ok",
		Service:   "troupe",
		Hostname:  host,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func eventsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// With Postgres attached, serve persisted history; otherwise the
	// in-memory ring buffer.
	if pg := events.GetPostgresClient(); pg != nil {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		rows, err := pg.Query(limit)
		if err == nil {
			_ = json.NewEncoder(w).Encode(rows)
			return
		}
		log.Printf("event history query failed: %v", err)
	}
	_ = json.NewEncoder(w).Encode(events.Snapshot())
}

func botsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if fleet == nil {
		_ = json.NewEncoder(w).Encode([]bot.Status{})
		return
	}
	_ = json.NewEncoder(w).Encode(fleet.Statuses())
}

func narrativesHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if narratives == nil {
		_ = json.NewEncoder(w).Encode([]string{})
		return
	}
	_ = json.NewEncoder(w).Encode(narratives.Names())
}

type TriggerRequest struct {
	Bot string `json:"bot"`
}

type TriggerResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func triggerHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		_ = json.NewEncoder(w).Encode(TriggerResponse{OK: false, Error: "method not allowed"})
		return
	}

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(TriggerResponse{OK: false, Error: "invalid JSON"})
		return
	}

	if req.Bot == "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(TriggerResponse{OK: false, Error: "bot required"})
		return
	}

	if fleet == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(TriggerResponse{OK: false, Error: "server not running"})
		return
	}

	if err := fleet.Trigger(req.Bot); err != nil {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(TriggerResponse{OK: false, Error: err.Error()})
		return
	}

	_ = json.NewEncoder(w).Encode(TriggerResponse{OK: true})
}

// ListenAndServe starts the API server on the given port.
// It blocks until the server exits.
func ListenAndServe(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/events", eventsHandler)
	mux.HandleFunc("/bots", botsHandler)
	mux.HandleFunc("/bots/trigger", triggerHandler)
	mux.HandleFunc("/narratives", narrativesHandler)
	mux.HandleFunc("/ws/events", wsEventsHandler)

	addr := fmt.Sprintf(":%d", port)
	log.Printf("API listening on %s\n", addr)
	return http.ListenAndServe(addr, mux)
}

// Start starts the API server in a goroutine.
// Errors are logged but do not stop the caller.
func Start(port int) {
	go func() {
		if err := ListenAndServe(port); err != nil {
			log.Printf("api server error: %v", err)
		}
	}()
}
