package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ensemblebots/troupe/internal/bot"
)

type fakeFleet struct {
	statuses  []bot.Status
	triggered []string
}

func (f *fakeFleet) Statuses() []bot.Status { return f.statuses }

func (f *fakeFleet) Trigger(name string) error {
	for _, st := range f.statuses {
		if st.Name == name {
			f.triggered = append(f.triggered, name)
			return nil
		}
	}
	return fmt.Errorf("unknown bot %q", name)
}

type fakeLister struct{ names []string }

func (l *fakeLister) Names() []string { return l.names }

func TestHealthHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" || resp.Service != "troupe" {
		t.Errorf("unexpected health response: %+v", resp)
	}
}

func TestBotsHandler(t *testing.T) {
	SetFleet(&fakeFleet{statuses: []bot.Status{
		{Name: "generator", Narrative: "generate_story", State: bot.StateIdle, Successes: 3},
	}})
	defer SetFleet(nil)

	req := httptest.NewRequest(http.MethodGet, "/bots", nil)
	w := httptest.NewRecorder()

	botsHandler(w, req)

	var statuses []bot.Status
	if err := json.Unmarshal(w.Body.Bytes(), &statuses); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Name != "generator" || statuses[0].Successes != 3 {
		t.Errorf("unexpected statuses: %+v", statuses)
	}
}

func TestNarrativesHandler(t *testing.T) {
	SetNarrativeLister(&fakeLister{names: []string{"curate", "generate_story"}})
	defer SetNarrativeLister(nil)

	req := httptest.NewRequest(http.MethodGet, "/narratives", nil)
	w := httptest.NewRecorder()

	narrativesHandler(w, req)

	var names []string
	if err := json.Unmarshal(w.Body.Bytes(), &names); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(names) != 2 || names[0] != "curate" {
		t.Errorf("unexpected names: %v", names)
	}
}

func TestTriggerHandler(t *testing.T) {
	f := &fakeFleet{statuses: []bot.Status{{Name: "generator"}}}
	SetFleet(f)
	defer SetFleet(nil)

	tests := []struct {
		name     string
		method   string
		body     string
		wantCode int
	}{
		{"ok", http.MethodPost, `{"bot":"generator"}`, http.StatusOK},
		{"unknown bot", http.MethodPost, `{"bot":"ghost"}`, http.StatusNotFound},
		{"missing bot", http.MethodPost, `{}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, `{`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, ``, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/bots/trigger", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			triggerHandler(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, w.Code)
			}
		})
	}

	if len(f.triggered) != 1 || f.triggered[0] != "generator" {
		t.Errorf("expected one trigger for generator, got %v", f.triggered)
	}
}
