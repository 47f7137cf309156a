package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/muesli/termenv"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/bubbleform/pkg/config"
	"github.com/openfroyo/bubbleform/pkg/engine"
	"github.com/openfroyo/bubbleform/pkg/stores"
	"github.com/openfroyo/bubbleform/pkg/telemetry"
)

const shutdownTimeout = 5 * time.Second

// env holds what a command needs from the application config: telemetry
// and the optional journal and Redis sink.
type env struct {
	app     *config.AppConfig
	tel     *telemetry.Telemetry
	journal *stores.SQLiteStore
	redis   *stores.RedisSink
}

// setup loads the application config and opens the configured outputs.
// Callers must Close the env.
func setup(ctx context.Context) (*env, error) {
	app, err := config.LoadAppConfig(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		app.Telemetry.Logging.Level = "debug"
	}
	if noColor {
		app.Telemetry.Logging.NoColor = true
	}

	tel, err := telemetry.NewTelemetry(&app.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	e := &env{app: app, tel: tel}

	if app.Journal.Enabled {
		journal, err := openJournal(ctx, app.Journal.Path)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.journal = journal
	}

	if app.Redis.Enabled {
		sink := stores.NewRedisSink(app.Redis.Addr, app.Redis.Password, app.Redis.DB,
			stores.WithKey(app.Redis.Key),
			stores.WithMaxLen(app.Redis.MaxLen),
			stores.WithTimeout(app.Redis.Timeout),
		)
		if err := sink.Ping(ctx); err != nil {
			// Events still reach the journal and the log.
			log.Warn().Err(err).Str("addr", app.Redis.Addr).Msg("Redis unreachable, continuing without event sink")
			_ = sink.Close()
		} else {
			e.redis = sink
		}
	}

	return e, nil
}

// openJournal opens and migrates the SQLite journal at path.
func openJournal(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory %s: %w", dir, err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to create journal: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return store, nil
}

// Close releases the journal, the Redis client and telemetry.
func (e *env) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.journal != nil {
		_ = e.journal.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}

// requireJournal fails when the journal is disabled.
func (e *env) requireJournal() error {
	if e.journal == nil {
		return fmt.Errorf("the run journal is disabled in %s", configPath)
	}
	return nil
}

// loadScenario parses the CUE sources in args, or returns the baseline
// scenario when there are none, then applies --set overrides.
func loadScenario(ctx context.Context, args, sets []string) (config.Scenario, error) {
	parser := config.NewCUEParser()

	sc := config.DefaultScenario()
	if len(args) > 0 {
		parsed, err := parser.Parse(ctx, args)
		if err != nil {
			return config.Scenario{}, err
		}
		if !parsed.OK() {
			printValidationErrors(parsed.Errors)
			return config.Scenario{}, parsed.Err()
		}
		sc = parsed.Scenario
	}

	for _, set := range sets {
		path, value, ok := strings.Cut(set, "=")
		if !ok {
			return config.Scenario{}, fmt.Errorf("invalid --set %q, expected path=value", set)
		}
		var err error
		if sc, err = sc.WithString(strings.TrimSpace(path), strings.TrimSpace(value)); err != nil {
			return config.Scenario{}, err
		}
	}

	if len(sets) > 0 {
		if errs := parser.ValidateScenario(sc); len(errs) > 0 {
			printValidationErrors(errs)
			return config.Scenario{}, fmt.Errorf("scenario has %d error(s) after overrides", len(errs))
		}
	}
	return sc, nil
}

func printValidationErrors(errs []config.ValidationError) {
	p := newPrinter()
	for _, ve := range errs {
		fmt.Fprintf(os.Stderr, "%s %s\n", p.severity(ve.Severity, ve.Severity), ve)
	}
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printer colours terminal output unless colour is disabled or unsupported.
type printer struct {
	profile termenv.Profile
	plain   bool
}

func newPrinter() *printer {
	profile := termenv.ColorProfile()
	return &printer{
		profile: profile,
		plain:   noColor || profile == termenv.Ascii,
	}
}

func (p *printer) paint(s, hex string) string {
	if p.plain {
		return s
	}
	return termenv.String(s).Foreground(p.profile.Color(hex)).String()
}

func (p *printer) ok(s string) string   { return p.paint(s, "#34d399") }
func (p *printer) warn(s string) string { return p.paint(s, "#fbbf24") }
func (p *printer) bad(s string) string  { return p.paint(s, "#f87171") }
func (p *printer) dim(s string) string  { return p.paint(s, "#9ca3af") }

func (p *printer) phase(ph engine.Phase) string {
	return p.paint(string(ph), "#818cf8")
}

// severity colours s by an event or validation severity.
func (p *printer) severity(sev, s string) string {
	switch sev {
	case string(engine.SeverityWarning):
		return p.warn(s)
	case string(engine.SeverityAlarm), string(engine.SeverityCritical), "error":
		return p.bad(s)
	default:
		return p.dim(s)
	}
}

// status colours a run status.
func (p *printer) status(s stores.RunStatus) string {
	switch s {
	case stores.RunStatusCompleted:
		return p.ok(string(s))
	case stores.RunStatusIncomplete, stores.RunStatusRunning:
		return p.warn(string(s))
	default:
		return p.bad(string(s))
	}
}
