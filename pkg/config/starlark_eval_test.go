package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/bubbleform/pkg/engine"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5*time.Second, 0)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name: "simple arithmetic",
			script: `
result = 2 + 2
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(4) {
					t.Errorf("expected result=4, got %v", sr.Output["result"])
				}
			},
		},
		{
			name: "use input variables",
			script: `
doubled = count * 2
`,
			input: map[string]interface{}{
				"count": 5,
			},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["doubled"] != int64(10) {
					t.Errorf("expected doubled=10, got %v", sr.Output["doubled"])
				}
			},
		},
		{
			name: "math module and helpers",
			script: `
root = math.sqrt(16.0)
bounded = clamp(150, 0, 100)
half = ramp(0.5, 0.0, 1.0, 0.0, 80.0)
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["root"] != 4.0 {
					t.Errorf("expected root=4, got %v", sr.Output["root"])
				}
				if sr.Output["bounded"] != 100.0 {
					t.Errorf("expected bounded=100, got %v", sr.Output["bounded"])
				}
				if sr.Output["half"] != 40.0 {
					t.Errorf("expected half=40, got %v", sr.Output["half"])
				}
			},
		},
		{
			name: "functions and private names are not exported",
			script: `
_scratch = 1
def f():
    return 1
value = f()
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if _, ok := sr.Output["_scratch"]; ok {
					t.Error("private global exported")
				}
				if _, ok := sr.Output["f"]; ok {
					t.Error("function exported")
				}
				if sr.Output["value"] != int64(1) {
					t.Errorf("expected value=1, got %v", sr.Output["value"])
				}
			},
		},
		{
			name: "list and dict input",
			script: `
def sum_list(xs):
    s = 0.0
    for x in xs:
        s += x
    return s
total = sum_list(flows)
name = lineup["name"]
pair = (1, "a")
`,
			input: map[string]interface{}{
				"flows":  []interface{}{1.5, 2.5},
				"lineup": map[string]interface{}{"name": "RHR_CROSSTIE"},
			},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["total"] != 4.0 {
					t.Errorf("expected total=4, got %v", sr.Output["total"])
				}
				if sr.Output["name"] != "RHR_CROSSTIE" {
					t.Errorf("expected name RHR_CROSSTIE, got %v", sr.Output["name"])
				}
				pair, ok := sr.Output["pair"].([]interface{})
				if !ok || len(pair) != 2 {
					t.Errorf("expected tuple as list, got %v", sr.Output["pair"])
				}
			},
		},
		{
			name:    "syntax error",
			script:  `x = (`,
			wantErr: true,
		},
		{
			name:    "clamp with inverted bounds",
			script:  `x = clamp(1, 5, 0)`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_StepBudget(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5*time.Second, 1000)

	script := `
def spin():
    n = 0
    for i in range(1000000):
        n += i
    return n
x = spin()
`
	result, err := evaluator.Evaluate(context.Background(), script, nil)
	if err == nil {
		t.Fatal("expected step budget error")
	}
	if result == nil || result.Error == "" {
		t.Error("expected result with error message")
	}
}

func TestStarlarkEvaluator_Cancelled(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5*time.Second, 1<<40)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	script := `
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n
x = spin()
`
	start := time.Now()
	if _, err := evaluator.Evaluate(ctx, script, nil); err == nil {
		t.Fatal("expected cancellation error")
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("cancellation took %v", time.Since(start))
	}
}

func TestBoundaryScript_Eval(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Second, 0)
	ctx := context.Background()

	src := `
def boundary(t_hr, phase, level_pct, pressure_psia):
    out = {
        "heater_kw": ramp(t_hr, 0.0, 1.0, 40.0, 80.0),
        "conduction_loss": 60000.0,
        "insulation_loss": 40000,
    }
    if phase == "DRAIN" and level_pct < 30:
        out["flow_override"] = True
        out["letdown_gpm"] = 120.0
        out["charging_gpm"] = 75.0
    return out
`
	bs, err := evaluator.CompileBoundaryScript(ctx, "heat.star", src)
	if err != nil {
		t.Fatalf("CompileBoundaryScript() error = %v", err)
	}

	terms, err := bs.Eval(ctx, BoundaryInput{SimTime: 0.5, Phase: engine.PhaseDetection, Level: 90, Pressure: 320})
	if err != nil {
		t.Fatalf("Eval() error = %v", err)
	}
	if terms.HeaterPower != 60 {
		t.Errorf("expected 60 kW at half ramp, got %g", terms.HeaterPower)
	}
	if terms.InsulationLoss != 40000 {
		t.Errorf("expected integer insulation loss decoded, got %g", terms.InsulationLoss)
	}
	if terms.FlowOverride {
		t.Error("flow override set outside DRAIN")
	}

	terms, err = bs.Eval(ctx, BoundaryInput{SimTime: 2, Phase: engine.PhaseDrain, Level: 28, Pressure: 330})
	if err != nil {
		t.Fatalf("Eval() error = %v", err)
	}
	if terms.HeaterPower != 80 {
		t.Errorf("expected 80 kW after ramp, got %g", terms.HeaterPower)
	}
	if !terms.FlowOverride || terms.Letdown != 120 || terms.Charging != 75 {
		t.Errorf("unexpected drain flows: %+v", terms)
	}
}

func TestBoundaryScript_StructResult(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Second, 0)
	bs, err := evaluator.CompileBoundaryScript(context.Background(), "s.star", `
def boundary(t_hr, phase, level_pct, pressure_psia):
    return struct(heater_kw = 50.0, external_in = 10.0)
`)
	if err != nil {
		t.Fatalf("CompileBoundaryScript() error = %v", err)
	}
	terms, err := bs.Eval(context.Background(), BoundaryInput{Phase: engine.PhaseStabilize})
	if err != nil {
		t.Fatalf("Eval() error = %v", err)
	}
	if terms.HeaterPower != 50 || terms.ExternalIn != 10 {
		t.Errorf("unexpected terms: %+v", terms)
	}
}

func TestBoundaryScript_Errors(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Second, 0)
	ctx := context.Background()

	tests := []struct {
		name       string
		src        string
		compileErr bool
		want       string
	}{
		{
			name:       "missing function",
			src:        `x = 1`,
			compileErr: true,
			want:       "no boundary function",
		},
		{
			name: "unknown key",
			src: `
def boundary(t_hr, phase, level_pct, pressure_psia):
    return {"heater_power": 1.0}
`,
			want: "heater_power",
		},
		{
			name: "not a dict",
			src: `
def boundary(t_hr, phase, level_pct, pressure_psia):
    return 5.0
`,
			want: "want dict",
		},
		{
			name: "non-finite term",
			src: `
def boundary(t_hr, phase, level_pct, pressure_psia):
    return {"heater_kw": float("nan")}
`,
			want: "non-finite",
		},
		{
			name: "runtime error",
			src: `
def boundary(t_hr, phase, level_pct, pressure_psia):
    return {"heater_kw": 1.0 / 0.0}
`,
			want: "heat.star",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bs, err := evaluator.CompileBoundaryScript(ctx, "heat.star", tt.src)
			if tt.compileErr {
				if err == nil || !strings.Contains(err.Error(), tt.want) {
					t.Fatalf("expected compile error containing %q, got %v", tt.want, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CompileBoundaryScript() error = %v", err)
			}
			_, err = bs.Eval(ctx, BoundaryInput{Phase: engine.PhaseDrain})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestBoundaryScript_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heat.star")
	if err := os.WriteFile(path, []byte(`
def boundary(t_hr, phase, level_pct, pressure_psia):
    return {"heater_kw": 80.0}
`), 0o644); err != nil {
		t.Fatal(err)
	}

	evaluator := NewStarlarkEvaluator(time.Second, 0)
	bs, err := evaluator.LoadBoundaryScript(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadBoundaryScript() error = %v", err)
	}
	terms, err := bs.Eval(context.Background(), BoundaryInput{})
	if err != nil {
		t.Fatalf("Eval() error = %v", err)
	}
	if terms.HeaterPower != 80 {
		t.Errorf("expected 80 kW, got %g", terms.HeaterPower)
	}

	if _, err := evaluator.LoadBoundaryScript(context.Background(), filepath.Join(t.TempDir(), "missing.star")); err == nil {
		t.Error("expected read error")
	}
}
