package engine

import (
	"strings"
	"testing"

	"sentra/internal/value"
)

// TestScenarios exercises four of spec.md §8's six literal end-to-end
// scenarios (the array and map ones have their own tests below)
// entirely through the embedder API, the way a real embedding would.
// Every top-level expression statement's value is discarded once
// executed (there is no implicit top-level return), so each scenario
// binds its result to a global and reads it back via Program.Global
// rather than Engine.Execute's return value.
func TestScenarios(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want func(t *testing.T, v value.Value)
	}{
		{
			name: "const closure call",
			src:  `const add = fn(a,b){ return a+b }; var result = add(2,3)`,
			want: func(t *testing.T, v value.Value) {
				if v.AsNumber() != 5 {
					t.Fatalf("got %v, want 5", v.AsNumber())
				}
			},
		},
		{
			name: "factorial recursion",
			src:  `fn fact(n){ if (n < 2) { return 1 } return n * fact(n-1) }; var result = fact(5)`,
			want: func(t *testing.T, v value.Value) {
				if v.AsNumber() != 120 {
					t.Fatalf("got %v, want 120", v.AsNumber())
				}
			},
		},
		{
			name: "recover with string coercion",
			src:  `fn f(){ recover(e){ return "caught: " + e }; crash("bang") }; var result = f()`,
			want: func(t *testing.T, v value.Value) {
				if !v.IsString() || v.Object().Str.Str != "caught: bang" {
					t.Fatalf("got %#v, want %q", v, "caught: bang")
				}
			},
		},
		{
			name: "template string interpolation",
			src:  "var result = `hello ${\"wor\" + \"ld\"}`",
			want: func(t *testing.T, v value.Value) {
				if !v.IsString() || v.Object().Str.Str != "hello world" {
					t.Fatalf("got %#v, want %q", v, "hello world")
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng := NewEngine(Config{})
			prog, err := eng.Compile(tc.src)
			if err != nil {
				t.Fatalf("compile error: %v", err)
			}
			if _, err := eng.Execute(prog); err != nil {
				t.Fatalf("execute error: %v", err)
			}
			result, ok := prog.Global("result")
			if !ok {
				t.Fatalf("expected global 'result' to be defined")
			}
			tc.want(t, result)
		})
	}
}

func TestArrayAndMapMutationObservedThroughGlobal(t *testing.T) {
	eng := NewEngine(Config{})
	prog, err := eng.Compile(`var a = [1,2,3]; a[0] = 10; var n = len(a)`)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	if _, err := eng.Execute(prog); err != nil {
		t.Fatalf("execute error: %v", err)
	}

	n, ok := prog.Global("n")
	if !ok || n.AsNumber() != 3 {
		t.Fatalf("expected len(a) == 3, got %v (found=%v)", n.AsNumber(), ok)
	}
	a, ok := prog.Global("a")
	if !ok || !a.IsArray() {
		t.Fatalf("expected global 'a' to be an array")
	}
	elems := a.Object().Arr.Elems
	if len(elems) != 3 || elems[0].AsNumber() != 10 || elems[1].AsNumber() != 2 || elems[2].AsNumber() != 3 {
		t.Fatalf("expected [10,2,3], got %v", elems)
	}
}

func TestMapIndexAssignmentAndLookup(t *testing.T) {
	eng := NewEngine(Config{})
	prog, err := eng.Compile(`var m = {"x":1}; m["y"] = 2; var total = m["x"] + m["y"]`)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	if _, err := eng.Execute(prog); err != nil {
		t.Fatalf("execute error: %v", err)
	}
	total, ok := prog.Global("total")
	if !ok || total.AsNumber() != 3 {
		t.Fatalf("expected total == 3, got %v", total.AsNumber())
	}
}

func TestCallNamedFunctionAfterExecute(t *testing.T) {
	eng := NewEngine(Config{})
	prog, err := eng.Compile(`fn add(a,b){ return a+b }`)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	if _, err := eng.Execute(prog); err != nil {
		t.Fatalf("execute error: %v", err)
	}
	got, err := prog.Call("add", []value.Value{value.Number(4), value.Number(5)})
	if err != nil {
		t.Fatalf("call error: %v", err)
	}
	if got.AsNumber() != 9 {
		t.Fatalf("got %v, want 9", got.AsNumber())
	}
}

func TestStdoutHookReceivesPrintOutput(t *testing.T) {
	var sb strings.Builder
	eng := NewEngine(Config{StdoutWrite: func(s string) { sb.WriteString(s) }})
	prog, err := eng.Compile(`print("hi")`)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	if _, err := eng.Execute(prog); err != nil {
		t.Fatalf("execute error: %v", err)
	}
	if sb.String() != "hi\n" {
		t.Fatalf("got %q, want %q", sb.String(), "hi\n")
	}
}

func TestGlobalConstantVisibleToScript(t *testing.T) {
	eng := NewEngine(Config{})
	eng.SetGlobalConstant("greeting", eng.ToValue("hello"))
	prog, err := eng.Compile(`var result = greeting`)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	if _, err := eng.Execute(prog); err != nil {
		t.Fatalf("execute error: %v", err)
	}
	got, ok := prog.Global("result")
	if !ok || !got.IsString() || got.Object().Str.Str != "hello" {
		t.Fatalf("got %#v (found=%v), want %q", got, ok, "hello")
	}
}

func TestToValueFromValueRoundTrip(t *testing.T) {
	eng := NewEngine(Config{})
	host := map[string]interface{}{
		"name": "sentra",
		"tags": []interface{}{"a", "b"},
	}
	v := eng.ToValue(host)
	back := FromValue(v)
	m, ok := back.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map[string]interface{}, got %T", back)
	}
	if m["name"] != "sentra" {
		t.Fatalf("expected name == sentra, got %v", m["name"])
	}
	tags, ok := m["tags"].([]interface{})
	if !ok || len(tags) != 2 || tags[0] != "a" || tags[1] != "b" {
		t.Fatalf("expected tags == [a b], got %v", m["tags"])
	}
}

func TestCompileErrorSurfacesAsError(t *testing.T) {
	eng := NewEngine(Config{})
	_, err := eng.Compile(`1 + 2`)
	if err == nil {
		t.Fatalf("expected a parse error: a bare expression statement must be an assignment or a call")
	}
}

func TestRuntimeErrorConvertsToEngineError(t *testing.T) {
	eng := NewEngine(Config{})
	prog, err := eng.Compile(`crash("boom")`)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	_, err = eng.Execute(prog)
	if err == nil {
		t.Fatalf("expected a runtime error")
	}
	se := AsError(err)
	if se == nil {
		t.Fatalf("expected AsError to convert the runtime error")
	}
	if se.Message != "boom" {
		t.Fatalf("got message %q, want %q", se.Message, "boom")
	}
}
