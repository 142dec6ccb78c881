package driver

import (
	"context"
	"errors"
	"testing"
)

func TestScriptedReplaysInOrder(t *testing.T) {
	d := NewScripted("test")
	d.Script("fetch_timeline",
		ScriptedResult{Output: map[string]interface{}{"cursor": "a"}},
		ScriptedResult{Output: map[string]interface{}{"cursor": "b"}},
	)

	ctx := context.Background()
	out, err := d.Invoke(ctx, "fetch_timeline", nil)
	if err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	if out["cursor"] != "a" {
		t.Errorf("expected cursor a, got %v", out["cursor"])
	}

	out, _ = d.Invoke(ctx, "fetch_timeline", nil)
	if out["cursor"] != "b" {
		t.Errorf("expected cursor b, got %v", out["cursor"])
	}

	// Script exhausted: the last result repeats.
	out, _ = d.Invoke(ctx, "fetch_timeline", nil)
	if out["cursor"] != "b" {
		t.Errorf("expected repeated cursor b, got %v", out["cursor"])
	}

	if got := d.CallCount("fetch_timeline"); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestScriptedUnscriptedOperation(t *testing.T) {
	d := NewScripted("test")

	_, err := d.Invoke(context.Background(), "post_message", nil)
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %v", err)
	}
	if opErr.Operation != "post_message" {
		t.Errorf("unexpected operation in error: %q", opErr.Operation)
	}
}

func TestScriptedErrorResult(t *testing.T) {
	d := NewScripted("test")
	boom := errors.New("rate limited")
	d.Script("post_message",
		ScriptedResult{Err: boom},
		ScriptedResult{Output: map[string]interface{}{"id": "m1"}},
	)

	ctx := context.Background()
	_, err := d.Invoke(ctx, "post_message", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped script error, got %v", err)
	}

	out, err := d.Invoke(ctx, "post_message", nil)
	if err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	if out["id"] != "m1" {
		t.Errorf("unexpected output: %v", out)
	}
}

func TestScriptedCapabilities(t *testing.T) {
	d := NewScripted("test")
	d.Script("fetch_timeline", ScriptedResult{})
	d.Script("curate_next", ScriptedResult{})

	caps := d.Capabilities()
	if len(caps) != 2 {
		t.Fatalf("expected 2 capabilities, got %v", caps)
	}
}

func TestScriptedCancelledContext(t *testing.T) {
	d := NewScripted("test")
	d.Script("fetch_timeline", ScriptedResult{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Invoke(ctx, "fetch_timeline", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if d.CallCount("fetch_timeline") != 0 {
		t.Errorf("cancelled invoke should not be recorded")
	}
}
