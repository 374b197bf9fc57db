package render

import (
	"reflect"
	"testing"
)

func testCtx() map[string]any {
	return map[string]any{
		"workload": map[string]any{
			"mode":   "fast",
			"cities": []any{"LDN", "PAR", "BER"},
			"count":  3,
		},
		"fetch": map[string]any{
			"data": map[string]any{"rows": 42},
		},
	}
}

func TestEval_LiteralPassthrough(t *testing.T) {
	r := New()
	v, err := r.Eval("plain string", testCtx())
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if v != "plain string" {
		t.Errorf("expected passthrough, got %v", v)
	}
}

func TestEval_NativePath(t *testing.T) {
	r := New()
	ctx := testCtx()

	v, err := r.Eval("{{ workload.cities }}", ctx)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	list, ok := v.([]any)
	if !ok || len(list) != 3 {
		t.Fatalf("expected native list, got %T %v", v, v)
	}

	v, err = r.Eval("{{ workload.cities[1] }}", ctx)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if v != "PAR" {
		t.Errorf("expected PAR, got %v", v)
	}

	v, err = r.Eval("{{ workload.count }}", ctx)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if v != 3 {
		t.Errorf("expected native int 3, got %T %v", v, v)
	}

	v, err = r.Eval("{{ fetch.data }}", ctx)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if m, ok := v.(map[string]any); !ok || m["rows"] != 42 {
		t.Errorf("expected native map, got %v", v)
	}
}

func TestEval_UndefinedPath(t *testing.T) {
	r := New()
	if _, err := r.Eval("{{ missing }}", testCtx()); err == nil {
		t.Error("expected error for undefined identifier")
	}
	if _, err := r.Eval("{{ workload.missing }}", testCtx()); err == nil {
		t.Error("expected error for undefined nested path")
	}
}

func TestRender_Interpolation(t *testing.T) {
	r := New()
	out, err := r.Render("mode={{ workload.mode }}", testCtx())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "mode=fast" {
		t.Errorf("expected mode=fast, got %q", out)
	}
}

func TestTruthy(t *testing.T) {
	r := New()
	ctx := testCtx()

	if !r.Truthy("{{ workload.mode == 'fast' }}", ctx) {
		t.Error("expected comparison to be true")
	}
	if r.Truthy("{{ workload.mode == 'slow' }}", ctx) {
		t.Error("expected comparison to be false")
	}
	if !r.Truthy("{{ workload.cities }}", ctx) {
		t.Error("expected non-empty list to be truthy")
	}
	// 求值错误一律按条件不成立处理
	if r.Truthy("{{ missing.path }}", ctx) {
		t.Error("expected undefined to be falsy")
	}
	if r.Truthy("", ctx) {
		t.Error("expected empty condition to be falsy")
	}
}

func TestTruthiness(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want bool
	}{
		{"nil", nil, false},
		{"false", false, false},
		{"true", true, true},
		{"empty string", "", false},
		{"false string", "False", false},
		{"zero string", "0", false},
		{"text", "yes", true},
		{"zero int", 0, false},
		{"int", 7, true},
		{"zero float", 0.0, false},
		{"empty list", []any{}, false},
		{"list", []any{1}, true},
		{"empty map", map[string]any{}, false},
		{"map", map[string]any{"k": 1}, true},
	}
	for _, c := range cases {
		if got := Truthiness(c.in); got != c.want {
			t.Errorf("%s: Truthiness = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestRecoverValue(t *testing.T) {
	cases := []struct {
		in   string
		want any
	}{
		{"True", true},
		{"false", false},
		{"None", nil},
		{"5", 5},
		{"1.5", 1.5},
		{`["a", "b"]`, []any{"a", "b"}},
		{"['a', 'b']", []any{"a", "b"}},
		{"{'k': True}", map[string]any{"k": true}},
		{"hello", "hello"},
		{"[broken", "[broken"},
	}
	for _, c := range cases {
		got := recoverValue(c.in)
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("recoverValue(%q) = %#v, want %#v", c.in, got, c.want)
		}
	}
}

func TestEvalMap(t *testing.T) {
	r := New()
	ctx := testCtx()

	out, err := r.EvalMap(map[string]any{
		"city":   "{{ workload.cities[0] }}",
		"static": "value",
		"nested": map[string]any{"n": "{{ workload.count }}"},
		"list":   []any{"{{ workload.mode }}", 7},
		"number": 12,
	}, ctx)
	if err != nil {
		t.Fatalf("EvalMap: %v", err)
	}
	if out["city"] != "LDN" || out["static"] != "value" || out["number"] != 12 {
		t.Errorf("map values mismatch: %+v", out)
	}
	nested := out["nested"].(map[string]any)
	if nested["n"] != 3 {
		t.Errorf("nested value mismatch: %v", nested)
	}
	list := out["list"].([]any)
	if list[0] != "fast" || list[1] != 7 {
		t.Errorf("list values mismatch: %v", list)
	}

	// with 映射的求值错误向上传播
	if _, err := r.EvalMap(map[string]any{"bad": "{{ nope.nope }}"}, ctx); err == nil {
		t.Error("expected error to propagate from EvalMap")
	}
}

func TestLookupPath(t *testing.T) {
	ctx := testCtx()
	v, ok := lookupPath(ctx, "workload.cities[2]")
	if !ok || v != "BER" {
		t.Errorf("expected BER, got %v ok=%v", v, ok)
	}
	if _, ok := lookupPath(ctx, "workload.cities[9]"); ok {
		t.Error("expected out-of-range index to miss")
	}
	if _, ok := lookupPath(ctx, "workload.mode.deeper"); ok {
		t.Error("expected path through scalar to miss")
	}
}
