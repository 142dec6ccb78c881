package narrative

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ensemblebots/troupe/internal/state"
)

func newTestResolver(t *testing.T, entries map[string]interface{}) *Resolver {
	t.Helper()
	store, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if len(entries) > 0 {
		if err := store.Write(state.GlobalScope, entries); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}
	return NewResolver(store)
}

func TestResolveLiteralPassthrough(t *testing.T) {
	r := newTestResolver(t, nil)

	params := map[string]interface{}{
		"text":  "plain value",
		"count": 3,
		"flag":  true,
	}
	resolved, err := r.ResolveParams(params, state.GlobalScope)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !reflect.DeepEqual(resolved, params) {
		t.Errorf("literals changed during resolution: %v", resolved)
	}
}

func TestResolveSinglePlaceholderKeepsStructure(t *testing.T) {
	r := newTestResolver(t, map[string]interface{}{
		"channel": map[string]interface{}{"id": "abc123", "name": "intros"},
	})

	resolved, err := r.ResolveParams(map[string]interface{}{
		"target": "${state:channel}",
	}, state.GlobalScope)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	m, ok := resolved["target"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected structured value, got %T", resolved["target"])
	}
	if m["id"] != "abc123" {
		t.Errorf("expected id abc123, got %v", m["id"])
	}
}

func TestResolveEmbeddedPlaceholders(t *testing.T) {
	r := newTestResolver(t, map[string]interface{}{
		"user": "ada",
		"post": "p-9",
	})

	resolved, err := r.ResolveParams(map[string]interface{}{
		"body": "reply to ${state:post} by ${state:user}",
	}, state.GlobalScope)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved["body"] != "reply to p-9 by ada" {
		t.Errorf("unexpected resolution: %v", resolved["body"])
	}
}

func TestResolveMissingKeyNamesKeyAndScope(t *testing.T) {
	r := newTestResolver(t, nil)

	_, err := r.ResolveParams(map[string]interface{}{
		"channel": "${state:channel_id}",
	}, state.GlobalScope)

	var unresolved *UnresolvedReferenceError
	if !errors.As(err, &unresolved) {
		t.Fatalf("expected UnresolvedReferenceError, got %v", err)
	}
	if unresolved.Key != "channel_id" {
		t.Errorf("expected key channel_id, got %s", unresolved.Key)
	}
	if unresolved.Scope != state.GlobalScope {
		t.Errorf("expected scope %q, got %q", state.GlobalScope, unresolved.Scope)
	}
}

func TestResolveFirstMissingKeyReported(t *testing.T) {
	r := newTestResolver(t, nil)

	_, err := r.ResolveParams(map[string]interface{}{
		"body": "${state:first} then ${state:second}",
	}, state.GlobalScope)

	var unresolved *UnresolvedReferenceError
	if !errors.As(err, &unresolved) {
		t.Fatalf("expected UnresolvedReferenceError, got %v", err)
	}
	if unresolved.Key != "first" {
		t.Errorf("expected the first missing key to be reported, got %s", unresolved.Key)
	}
}

func TestResolveNoRecursiveExpansion(t *testing.T) {
	// A stored value containing placeholder syntax stays literal.
	r := newTestResolver(t, map[string]interface{}{
		"tricky": "${state:other}",
	})

	resolved, err := r.ResolveParams(map[string]interface{}{
		"value":  "${state:tricky}",
		"inline": "prefix ${state:tricky} suffix",
	}, state.GlobalScope)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved["value"] != "${state:other}" {
		t.Errorf("single placeholder re-expanded: %v", resolved["value"])
	}
	if resolved["inline"] != "prefix ${state:other} suffix" {
		t.Errorf("embedded placeholder re-expanded: %v", resolved["inline"])
	}
}

func TestResolveNestedStructures(t *testing.T) {
	r := newTestResolver(t, map[string]interface{}{
		"channel_id": "abc123",
	})

	resolved, err := r.ResolveParams(map[string]interface{}{
		"embed": map[string]interface{}{
			"channel": "${state:channel_id}",
			"links":   []interface{}{"${state:channel_id}", "literal"},
		},
	}, state.GlobalScope)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	embed := resolved["embed"].(map[string]interface{})
	if embed["channel"] != "abc123" {
		t.Errorf("nested map not resolved: %v", embed["channel"])
	}
	links := embed["links"].([]interface{})
	if links[0] != "abc123" || links[1] != "literal" {
		t.Errorf("nested slice not resolved: %v", links)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	r := newTestResolver(t, map[string]interface{}{
		"a": "1",
		"b": "2",
	})

	params := map[string]interface{}{
		"body": "${state:a}-${state:b}",
	}
	first, err := r.ResolveParams(params, state.GlobalScope)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := r.ResolveParams(params, state.GlobalScope)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("same inputs resolved differently: %v vs %v", first, second)
	}
}
