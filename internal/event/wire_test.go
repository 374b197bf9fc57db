package event

import (
	"encoding/json"
	"errors"
	"testing"

	apperrors "flow-platform/pkg/errors"
)

func decodeWire(t *testing.T, payload string) map[string]any {
	t.Helper()
	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return raw
}

func TestFromWire_StringIDs(t *testing.T) {
	raw := decodeWire(t, `{
		"execution_id": "101",
		"event_id": "202",
		"parent_execution_id": "303",
		"event_type": "action_completed",
		"node_name": "fetch",
		"status": "completed"
	}`)
	e, err := FromWire(raw)
	if err != nil {
		t.Fatalf("FromWire: %v", err)
	}
	if e.ExecutionID != 101 || e.EventID != 202 || e.ParentExecutionID != 303 {
		t.Errorf("id mismatch: %+v", e)
	}
	if e.Type != ActionCompleted || e.NodeName != "fetch" || e.Status != "completed" {
		t.Errorf("field mismatch: %+v", e)
	}
}

func TestFromWire_NumericIDs(t *testing.T) {
	raw := decodeWire(t, `{"execution_id": 101, "event_id": 202, "event_type": "result"}`)
	e, err := FromWire(raw)
	if err != nil {
		t.Fatalf("FromWire: %v", err)
	}
	if e.ExecutionID != 101 || e.EventID != 202 {
		t.Errorf("id mismatch: %+v", e)
	}
}

func TestFromWire_LegacyAliases(t *testing.T) {
	raw := decodeWire(t, `{
		"execution_id": "1",
		"event_type": "execution_started",
		"input_context": {"path": "daily.yaml"},
		"output_result": {"rows": 5}
	}`)
	e, err := FromWire(raw)
	if err != nil {
		t.Fatalf("FromWire: %v", err)
	}
	if e.Type != ExecutionStart {
		t.Errorf("expected normalized type, got %q", e.Type)
	}
	if e.Context["path"] != "daily.yaml" {
		t.Errorf("input_context not mapped: %+v", e.Context)
	}
	r, ok := e.Result.(map[string]any)
	if !ok || r["rows"] != float64(5) {
		t.Errorf("output_result not mapped: %+v", e.Result)
	}
}

func TestFromWire_CanonicalKeysWin(t *testing.T) {
	raw := decodeWire(t, `{
		"execution_id": "1",
		"event_type": "action_completed",
		"context": {"a": 1},
		"input_context": {"b": 2},
		"result": "canonical",
		"output_result": "legacy"
	}`)
	e, err := FromWire(raw)
	if err != nil {
		t.Fatalf("FromWire: %v", err)
	}
	if _, ok := e.Context["a"]; !ok {
		t.Errorf("canonical context lost: %+v", e.Context)
	}
	if e.Result != "canonical" {
		t.Errorf("expected canonical result, got %v", e.Result)
	}
}

func TestFromWire_NumericFields(t *testing.T) {
	raw := decodeWire(t, `{
		"execution_id": 1,
		"event_type": "loop_iteration",
		"duration": 1.5,
		"current_index": 3,
		"current_item": "x"
	}`)
	e, err := FromWire(raw)
	if err != nil {
		t.Fatalf("FromWire: %v", err)
	}
	if e.Duration != 1.5 {
		t.Errorf("expected duration 1.5, got %v", e.Duration)
	}
	if e.CurrentIndex == nil || *e.CurrentIndex != 3 {
		t.Errorf("expected current_index 3, got %v", e.CurrentIndex)
	}
	if e.CurrentItem != "x" {
		t.Errorf("expected current_item x, got %v", e.CurrentItem)
	}
}

func TestFromWire_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"missing execution_id", `{"event_type": "result"}`},
		{"missing event_type", `{"execution_id": "1"}`},
		{"bad id string", `{"execution_id": "abc", "event_type": "result"}`},
	}
	for _, c := range cases {
		_, err := FromWire(decodeWire(t, c.payload))
		if !errors.Is(err, apperrors.ErrInvalidArg) {
			t.Errorf("%s: expected ErrInvalidArg, got %v", c.name, err)
		}
	}
}
