package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. Each schema is a
// definition looked up from compiled CUE source. All values produced by the
// registry share one cue.Context, which is not safe for concurrent use, so
// every operation holds the registry lock.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.Mutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	for name, def := range map[string]string{
		"scenario": "#Scenario",
		"lineup":   "#Lineup",
		"closure":  "#Closure",
		"policy":   "#Policy",
	} {
		if err := sr.RegisterSchema(name, def, builtinScenarioSchema); err != nil {
			// The built-in source is a constant; failing here is a build defect.
			panic(err)
		}
	}

	return sr
}

// RegisterSchema compiles source and registers the definition def (for
// example "#Scenario") under name.
func (sr *SchemaRegistry) RegisterSchema(name, def, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema %s: definition %s not found", name, def)
	}

	sr.schemas[name] = schema
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema encodes data and unifies it with a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// unify checks a value compiled in the registry context against a schema.
// Callers must hold sr.mu.
func (sr *SchemaRegistry) unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.schemas[schemaName]
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	unified := schema.Unify(val)
	return unified, unified.Validate(cue.Concrete(true))
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateScenario validates a Go-side scenario against #Scenario.
func (sr *SchemaRegistry) ValidateScenario(ctx context.Context, s Scenario) error {
	return sr.ValidateAgainstSchema(ctx, "scenario", s)
}

// Every field is optional: omitted fields keep DefaultScenario values.
const builtinScenarioSchema = `
#Band: {
	lo?: number & >0
	hi?: number & >0
}

#Lineup: {
	name:         string & =~"^[A-Z0-9_]+$"
	rated_flow:   number & >0
	reference_dp: number & >0
}

#Closure: {
	volume_tolerance?:        number & >0
	energy_tolerance?:        number & >0
	mass_contract_tolerance?: number & >0 & <1
	initial_half_span?:       number & >0
	probes_per_window?:       int & >=3
	growth_factor?:           number & >1
	max_windows?:             int & >=1
	operating_band?:          #Band
	hard_band?:               #Band
	max_iterations?:          int & >=1 & <=10000
}

#Ledger: {
	drift_warn_pct?:      number & >0
	drift_alarm_pct?:     number & >0
	inventory_alarm_pct?: number & >0
}

#Policy: {
	min_letdown?:      number & >=0
	max_letdown?:      number & >=0
	charging_initial?: number & >=0
	charging_target?:  number & >=0
	ccp_start_level?:  number & >0 & <=100
	back_pressure?:    number & >=0
}

#Scenario: {
	name?:        string & =~"^[a-zA-Z0-9_.-]+$"
	description?: string

	plant?: {
		vessel_volume?:  number & >0
		loop_mass?:      number & >=0
		reservoir_mass?: number & >=0
	}

	initial?: {
		pressure?:     number & >=1 & <=3150
		steam_volume?: number & >0
		mass_offset?:  number
	}

	procedure?: {
		detection_minutes?:       number & >0
		verification_minutes?:    number & >0
		spray_minutes?:           number & >=0
		spray_rate?:              number & >=0
		spray_pass_min?:          number & >=0
		spray_pass_max?:          number & >=0
		drain_target_level?:      number & >0 & <100
		drain_level_tolerance?:   number & >=0
		drain_pressure_floor?:    number & >0
		drain_timeout_minutes?:   number & >0
		drain_rate_limit?:        number & >0
		drain_audit_tolerance?:   number & >0
		stabilize_minutes?:       number & >0
		release_pressure?:        number & >0
		pressurize_level_margin?: number & >=0
		handoff_epsilon?:         number & >0
	}

	heaters?: {
		power_kw?:        number & >=0
		conduction_loss?: number & >=0
		insulation_loss?: number & >=0
	}

	drain?: {
		lineup?: string
	}

	run?: {
		step_seconds?:  number & >0 & <=600
		max_hours?:     number & >0
		trace_closure?: bool
	}

	closure?: #Closure
	ledger?:  #Ledger
	policy?:  #Policy
	lineups?: [#Lineup, ...#Lineup]

	boundary_script?: string
}
`
