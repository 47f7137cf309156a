package config

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCUEParser_ParseInline(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		errPath   string
		checkFunc func(*testing.T, *ParsedScenario)
	}{
		{
			name:    "empty source keeps defaults",
			content: ``,
			checkFunc: func(t *testing.T, ps *ParsedScenario) {
				def := DefaultScenario()
				if ps.Scenario.Name != def.Name {
					t.Errorf("expected name %q, got %q", def.Name, ps.Scenario.Name)
				}
				if len(ps.Scenario.Lineups) != len(def.Lineups) {
					t.Errorf("expected %d lineups, got %d", len(def.Lineups), len(ps.Scenario.Lineups))
				}
				if ps.Scenario.Drain.Lineup != "RHR_CROSSTIE" {
					t.Errorf("expected drain lineup RHR_CROSSTIE, got %q", ps.Scenario.Drain.Lineup)
				}
			},
		},
		{
			name: "overrides merge over defaults",
			content: `
name: "fast-drain"
procedure: {
	drain_target_level: 30
	stabilize_minutes:  5
}
heaters: power_kw: 120
closure: probes_per_window: 11
`,
			checkFunc: func(t *testing.T, ps *ParsedScenario) {
				s := ps.Scenario
				if s.Name != "fast-drain" {
					t.Errorf("expected name fast-drain, got %s", s.Name)
				}
				if s.Procedure.DrainTargetLevel != 30 {
					t.Errorf("expected drain target 30, got %g", s.Procedure.DrainTargetLevel)
				}
				if s.Procedure.StabilizeMinutes != 5 {
					t.Errorf("expected stabilize 5 min, got %g", s.Procedure.StabilizeMinutes)
				}
				if s.Heaters.Power != 120 {
					t.Errorf("expected 120 kW, got %g", s.Heaters.Power)
				}
				if s.Closure.ProbesPerWindow != 11 {
					t.Errorf("expected 11 probes, got %d", s.Closure.ProbesPerWindow)
				}
				def := DefaultScenario()
				if s.Procedure.DetectionMinutes != def.Procedure.DetectionMinutes {
					t.Errorf("detection minutes changed to %g", s.Procedure.DetectionMinutes)
				}
				if s.Closure.MaxIterations != def.Closure.MaxIterations {
					t.Errorf("max iterations changed to %d", s.Closure.MaxIterations)
				}
			},
		},
		{
			name: "lineup catalogue replaced",
			content: `
lineups: [
	{name: "ORIFICE_45", rated_flow: 45, reference_dp: 1900},
	{name: "BYPASS", rated_flow: 200, reference_dp: 300},
]
drain: lineup: "BYPASS"
`,
			checkFunc: func(t *testing.T, ps *ParsedScenario) {
				if len(ps.Scenario.Lineups) != 2 {
					t.Fatalf("expected 2 lineups, got %d", len(ps.Scenario.Lineups))
				}
				idx, err := ps.Scenario.DrainLineupIndex()
				if err != nil || idx != 1 {
					t.Errorf("expected drain lineup index 1, got %d (%v)", idx, err)
				}
			},
		},
		{
			name: "invalid CUE syntax",
			content: `
name: "x"
procedure: {
	invalid syntax here
}
`,
			wantErr: true,
		},
		{
			name:    "unknown field",
			content: `reactor_power: 100`,
			wantErr: true,
		},
		{
			name:    "drain target out of range",
			content: `procedure: drain_target_level: 120`,
			wantErr: true,
		},
		{
			name:    "bad lineup name",
			content: `lineups: [{name: "orifice", rated_flow: 75, reference_dp: 1900}]`,
			wantErr: true,
		},
		{
			name:    "spray band inverted",
			content: `procedure: {spray_pass_min: 30, spray_pass_max: 20}`,
			wantErr: true,
			errPath: "procedure.spray_pass_max",
		},
		{
			name:    "spray longer than verification",
			content: `procedure: {spray_minutes: 10, verification_minutes: 5}`,
			wantErr: true,
			errPath: "procedure.spray_minutes",
		},
		{
			name:    "drain lineup not in catalogue",
			content: `drain: lineup: "MISSING"`,
			wantErr: true,
		},
		{
			name:    "pressurize floor not positive",
			content: `procedure: {drain_target_level: 2, pressurize_level_margin: 5}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parser.ParseInline(ctx, tt.content)
			if err != nil {
				t.Fatalf("ParseInline() error = %v", err)
			}

			if tt.wantErr {
				if result.OK() {
					t.Fatal("expected validation errors, got none")
				}
				if result.Err() == nil {
					t.Error("Err() returned nil for a failed parse")
				}
				if tt.errPath != "" {
					found := false
					for _, ve := range result.Errors {
						if ve.Path == tt.errPath {
							found = true
						}
					}
					if !found {
						t.Errorf("no error at %s in %v", tt.errPath, result.Errors)
					}
				}
				return
			}

			if !result.OK() {
				t.Fatalf("unexpected errors: %v", result.Errors)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestCUEParser_ParseInlineCancelled(t *testing.T) {
	parser := NewCUEParser()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := parser.ParseInline(ctx, `name: "x"`); err == nil {
		t.Error("expected context error")
	}
}

func TestCUEParser_ParseFiles(t *testing.T) {
	tmpDir := t.TempDir()

	plant := `
name: "split"
plant: vessel_volume: 720
`
	procedure := `
procedure: stabilize_minutes: 15
boundary_script: "heat.star"
`
	writeFile(t, filepath.Join(tmpDir, "plant.cue"), plant)
	writeFile(t, filepath.Join(tmpDir, "procedure.cue"), procedure)

	parser := NewCUEParser()
	ctx := context.Background()

	t.Run("files", func(t *testing.T) {
		result, err := parser.Parse(ctx, []string{
			filepath.Join(tmpDir, "plant.cue"),
			filepath.Join(tmpDir, "procedure.cue"),
		})
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if !result.OK() {
			t.Fatalf("unexpected errors: %v", result.Errors)
		}
		checkSplitScenario(t, result, tmpDir)
	})

	t.Run("directory", func(t *testing.T) {
		result, err := parser.Parse(ctx, []string{tmpDir})
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if len(result.SourceFiles) != 2 {
			t.Fatalf("expected 2 source files, got %v", result.SourceFiles)
		}
		if !result.OK() {
			t.Fatalf("unexpected errors: %v", result.Errors)
		}
		checkSplitScenario(t, result, tmpDir)
	})

	t.Run("conflicting files", func(t *testing.T) {
		other := filepath.Join(t.TempDir(), "other.cue")
		writeFile(t, other, `plant: vessel_volume: 800`)
		result, err := parser.Parse(ctx, []string{filepath.Join(tmpDir, "plant.cue"), other})
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if result.OK() {
			t.Error("expected conflict between 720 and 800")
		}
	})

	t.Run("syntax error carries file", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.cue")
		writeFile(t, bad, "name: {\n")
		result, err := parser.Parse(ctx, []string{bad})
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if result.OK() {
			t.Fatal("expected syntax error")
		}
		if !strings.HasSuffix(result.Errors[0].File, "bad.cue") {
			t.Errorf("expected error in bad.cue, got %q", result.Errors[0].File)
		}
	})

	t.Run("missing source", func(t *testing.T) {
		if _, err := parser.Parse(ctx, []string{filepath.Join(tmpDir, "nope.cue")}); err == nil {
			t.Error("expected stat error")
		}
	})

	t.Run("no sources", func(t *testing.T) {
		if _, err := parser.Parse(ctx, nil); err == nil {
			t.Error("expected error for empty source list")
		}
	})

	t.Run("empty directory", func(t *testing.T) {
		if _, err := parser.Parse(ctx, []string{t.TempDir()}); err == nil {
			t.Error("expected error for directory without CUE files")
		}
	})
}

func checkSplitScenario(t *testing.T, ps *ParsedScenario, dir string) {
	t.Helper()
	s := ps.Scenario
	if s.Name != "split" {
		t.Errorf("expected name split, got %s", s.Name)
	}
	if s.Plant.VesselVolume != 720 {
		t.Errorf("expected vessel volume 720, got %g", s.Plant.VesselVolume)
	}
	if s.Procedure.StabilizeMinutes != 15 {
		t.Errorf("expected stabilize 15 min, got %g", s.Procedure.StabilizeMinutes)
	}
	if want := filepath.Join(dir, "heat.star"); s.BoundaryScript != want {
		t.Errorf("expected script %s, got %s", want, s.BoundaryScript)
	}
}

func TestCUEParser_LoadFromDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, "b.cue"), `name: "b"`)
	writeFile(t, filepath.Join(tmpDir, "a.cue"), `description: "a"`)
	writeFile(t, filepath.Join(tmpDir, "notes.txt"), "ignored")
	if err := os.MkdirAll(filepath.Join(tmpDir, "cue.mod"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(tmpDir, "cue.mod", "module.cue"), `module: "x"`)

	files, err := NewCUEParser().LoadFromDirectory(tmpDir)
	if err != nil {
		t.Fatalf("LoadFromDirectory() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %v", files)
	}
	if filepath.Base(files[0]) != "a.cue" || filepath.Base(files[1]) != "b.cue" {
		t.Errorf("expected sorted a.cue, b.cue; got %v", files)
	}
}

func TestCUEParser_ExportRoundTrip(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	s := DefaultScenario()
	s.Name = "exported"
	s.Procedure.DrainTargetLevel = 28
	s.Heaters.Power = 95.5

	src, err := parser.ExportCUE(s)
	if err != nil {
		t.Fatalf("ExportCUE() error = %v", err)
	}

	result, err := parser.ParseInline(ctx, string(src))
	if err != nil {
		t.Fatalf("ParseInline() error = %v", err)
	}
	if !result.OK() {
		t.Fatalf("exported scenario does not parse: %v\n%s", result.Errors, src)
	}

	got := result.Scenario
	if got.Name != "exported" {
		t.Errorf("expected name exported, got %s", got.Name)
	}
	for name, pair := range map[string][2]float64{
		"drain_target_level": {got.Procedure.DrainTargetLevel, 28},
		"power_kw":           {got.Heaters.Power, 95.5},
		"detection_minutes":  {got.Procedure.DetectionMinutes, s.Procedure.DetectionMinutes},
		"mass_contract":      {got.Closure.MassContractTolerance, s.Closure.MassContractTolerance},
		"hard_band_hi":       {got.Closure.HardBand.Hi, s.Closure.HardBand.Hi},
	} {
		if math.Abs(pair[0]-pair[1]) > 1e-9*math.Max(1, math.Abs(pair[1])) {
			t.Errorf("%s: got %g, want %g", name, pair[0], pair[1])
		}
	}
	if len(got.Lineups) != len(s.Lineups) {
		t.Errorf("expected %d lineups, got %d", len(s.Lineups), len(got.Lineups))
	}

	js, err := parser.ExportJSON(s)
	if err != nil {
		t.Fatalf("ExportJSON() error = %v", err)
	}
	if !strings.Contains(string(js), `"drain_target_level": 28`) {
		t.Errorf("JSON export missing drain target: %s", js)
	}
}

func TestCUEParser_ValidateScenario(t *testing.T) {
	parser := NewCUEParser()

	if errs := parser.ValidateScenario(DefaultScenario()); len(errs) != 0 {
		t.Fatalf("default scenario invalid: %v", errs)
	}

	s := DefaultScenario()
	s.Name = ""
	s.Run.StepSeconds = 0
	errs := parser.ValidateScenario(s)
	paths := map[string]bool{}
	for _, e := range errs {
		paths[e.Path] = true
	}
	for _, want := range []string{"name", "run.step_seconds"} {
		if !paths[want] {
			t.Errorf("expected error at %s, got %v", want, errs)
		}
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
