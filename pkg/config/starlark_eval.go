package config

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/bubbleform/pkg/engine"
	"github.com/openfroyo/bubbleform/pkg/numeric"
)

// DefaultStepBudget bounds the Starlark execution steps of one call.
const DefaultStepBudget = 100000

// StarlarkEvaluator executes Starlark scripts with a wall-clock timeout and
// an execution step budget. Scripts get no load() and no threads.
type StarlarkEvaluator struct {
	timeout time.Duration
	budget  uint64
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration, budget uint64) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if budget == 0 {
		budget = DefaultStepBudget
	}
	return &StarlarkEvaluator{
		timeout: timeout,
		budget:  budget,
	}
}

// newThread returns a sandboxed thread. print is discarded.
func (se *StarlarkEvaluator) newThread(name string) *starlark.Thread {
	thread := &starlark.Thread{
		Name:  name,
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(se.budget)
	return thread
}

// predeclared is the environment every script sees.
func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"math":   starlarkmath.Module,
		"clamp":  starlark.NewBuiltin("clamp", builtinClamp),
		"ramp":   starlark.NewBuiltin("ramp", builtinRamp),
	}
}

// run executes fn on thread, cancelling the thread when ctx ends or the
// timeout elapses.
func (se *StarlarkEvaluator) run(ctx context.Context, thread *starlark.Thread, fn func() error) error {
	runCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-runCtx.Done():
			thread.Cancel(runCtx.Err().Error())
		case <-done:
		}
	}()

	return fn()
}

// Evaluate executes a script with the given input globals and returns its
// exported globals (names not starting with '_').
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()
	thread := se.newThread("evaluate")

	env := predeclared()
	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		env[key] = starlarkVal
	}

	var globals starlark.StringDict
	err := se.run(ctx, thread, func() error {
		var execErr error
		globals, execErr = starlark.ExecFile(thread, "script.star", script, env)
		return execErr
	})
	result := &StarlarkResult{
		ExecutionTime: time.Since(startTime),
		Steps:         thread.ExecutionSteps(),
	}
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("starlark execution failed: %w", err)
	}

	result.Output = make(map[string]interface{})
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		result.Output[name] = goVal
	}

	return result, nil
}

// BoundaryInput is what a boundary script sees each step.
type BoundaryInput struct {
	SimTime  float64 // hours
	Phase    engine.Phase
	Level    float64 // percent
	Pressure float64 // psia
}

// BoundaryScript is a compiled Starlark file defining
//
//	def boundary(t_hr, phase, level_pct, pressure_psia): ...
//
// returning a dict (or struct) whose keys are the mapstructure names of
// engine.BoundaryTerms: heater_kw, conduction_loss, insulation_loss,
// flow_override, letdown_gpm, charging_gpm, external_in, external_out.
// A BoundaryScript is not safe for concurrent use.
type BoundaryScript struct {
	eval *StarlarkEvaluator
	name string
	fn   starlark.Callable
}

// LoadBoundaryScript reads and compiles a boundary script file.
func (se *StarlarkEvaluator) LoadBoundaryScript(ctx context.Context, path string) (*BoundaryScript, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read boundary script: %w", err)
	}
	return se.CompileBoundaryScript(ctx, path, string(src))
}

// CompileBoundaryScript executes src once and captures its boundary function.
func (se *StarlarkEvaluator) CompileBoundaryScript(ctx context.Context, name, src string) (*BoundaryScript, error) {
	thread := se.newThread(name)

	var globals starlark.StringDict
	err := se.run(ctx, thread, func() error {
		var execErr error
		globals, execErr = starlark.ExecFile(thread, name, src, predeclared())
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("boundary script %s: %w", name, err)
	}

	fn, ok := globals["boundary"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("boundary script %s: no boundary function defined", name)
	}
	globals.Freeze()

	return &BoundaryScript{eval: se, name: name, fn: fn}, nil
}

// Eval calls boundary() for one step and decodes the result.
func (bs *BoundaryScript) Eval(ctx context.Context, in BoundaryInput) (engine.BoundaryTerms, error) {
	var terms engine.BoundaryTerms

	thread := bs.eval.newThread(bs.name)
	args := starlark.Tuple{
		starlark.Float(in.SimTime),
		starlark.String(in.Phase),
		starlark.Float(in.Level),
		starlark.Float(in.Pressure),
	}

	var ret starlark.Value
	err := bs.eval.run(ctx, thread, func() error {
		var callErr error
		ret, callErr = starlark.Call(thread, bs.fn, args, nil)
		return callErr
	})
	if err != nil {
		return terms, fmt.Errorf("boundary script %s: %w", bs.name, err)
	}

	raw, err := fromStarlarkValue(ret)
	if err != nil {
		return terms, fmt.Errorf("boundary script %s: %w", bs.name, err)
	}
	fields, ok := raw.(map[string]interface{})
	if !ok {
		return terms, fmt.Errorf("boundary script %s: boundary() returned %s, want dict", bs.name, ret.Type())
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      &terms,
		TagName:     "mapstructure",
	})
	if err != nil {
		return terms, err
	}
	if err := decoder.Decode(fields); err != nil {
		return terms, fmt.Errorf("boundary script %s: %w", bs.name, err)
	}

	if !numeric.AllFinite(terms.HeaterPower, terms.ConductionLoss, terms.InsulationLoss,
		terms.Letdown, terms.Charging, terms.ExternalIn, terms.ExternalOut) {
		return terms, fmt.Errorf("boundary script %s: non-finite boundary term", bs.name)
	}
	return terms, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value. Integers
// become int64.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// Built-in Starlark functions

// builtinClamp implements clamp(x, lo, hi).
func builtinClamp(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, lo, hi starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 3, &x, &lo, &hi); err != nil {
		return nil, err
	}
	xf, lof, hif, err := floats3(b.Name(), x, lo, hi)
	if err != nil {
		return nil, err
	}
	if lof > hif {
		return nil, fmt.Errorf("%s: lo %g above hi %g", b.Name(), lof, hif)
	}
	return starlark.Float(math.Max(lof, math.Min(hif, xf))), nil
}

// builtinRamp implements ramp(t, t0, t1, v0, v1): v0 before t0, v1 after
// t1, linear in between.
func builtinRamp(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var t, t0, t1, v0, v1 starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 5, &t, &t0, &t1, &v0, &v1); err != nil {
		return nil, err
	}
	tf, t0f, t1f, err := floats3(b.Name(), t, t0, t1)
	if err != nil {
		return nil, err
	}
	v0f, ok0 := starlark.AsFloat(v0)
	v1f, ok1 := starlark.AsFloat(v1)
	if !ok0 || !ok1 {
		return nil, fmt.Errorf("%s: values must be numbers", b.Name())
	}
	switch {
	case tf <= t0f:
		return starlark.Float(v0f), nil
	case tf >= t1f:
		return starlark.Float(v1f), nil
	default:
		return starlark.Float(v0f + (v1f-v0f)*(tf-t0f)/(t1f-t0f)), nil
	}
}

func floats3(name string, a, b, c starlark.Value) (float64, float64, float64, error) {
	af, okA := starlark.AsFloat(a)
	bf, okB := starlark.AsFloat(b)
	cf, okC := starlark.AsFloat(c)
	if !okA || !okB || !okC {
		return 0, 0, 0, fmt.Errorf("%s: arguments must be numbers", name)
	}
	return af, bf, cf, nil
}
