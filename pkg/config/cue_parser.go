package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/format"
	"github.com/go-playground/validator/v10"
)

// CUEParser parses scenario files. Sources are unified with each other and
// with the #Scenario schema, exported, and decoded over DefaultScenario so
// omitted fields keep their defaults. The result is then checked with
// validator struct tags and engine.Params.Validate.
type CUEParser struct {
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		schemaRegistry: NewSchemaRegistry(),
		validator:      newValidator(),
	}
}

// newValidator reports field paths by their json names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Parse parses CUE scenario files or directories of .cue files.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedScenario, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var files []string
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}
		if info.IsDir() {
			found, err := cp.LoadFromDirectory(source)
			if err != nil {
				return nil, err
			}
			if len(found) == 0 {
				return nil, fmt.Errorf("no CUE files found in %s", source)
			}
			files = append(files, found...)
		} else {
			files = append(files, source)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cp.schemaRegistry.mu.Lock()
	defer cp.schemaRegistry.mu.Unlock()

	var cueValue cue.Value
	var parseErrors []ValidationError
	for _, file := range files {
		val, errs := cp.loadFile(file)
		if len(errs) > 0 {
			parseErrors = append(parseErrors, errs...)
			continue
		}
		if cueValue.Exists() {
			cueValue = cueValue.Unify(val)
		} else {
			cueValue = val
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedScenario{
			SourceFiles: files,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	parsed := cp.extractScenario(cueValue, files)
	cp.resolveScript(parsed, files[0])
	return parsed, nil
}

// ParseInline parses inline CUE content. A relative boundary script is
// resolved against the working directory.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedScenario, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cp.schemaRegistry.mu.Lock()
	defer cp.schemaRegistry.mu.Unlock()

	val := cp.schemaRegistry.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &ParsedScenario{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractScenario(val, []string{"inline"}), nil
}

// loadFile compiles a single CUE file. Callers hold the registry lock.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.schemaRegistry.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractScenario checks val against #Scenario and decodes it over the
// defaults. Callers hold the registry lock.
func (cp *CUEParser) extractScenario(val cue.Value, sourceFiles []string) *ParsedScenario {
	parsed := &ParsedScenario{
		Scenario:    DefaultScenario(),
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	unified, err := cp.schemaRegistry.unify("scenario", val)
	if err != nil {
		parsed.Errors = cp.convertCUEErrors(err)
		return parsed
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		parsed.Errors = cp.convertCUEErrors(err)
		return parsed
	}

	if err := json.Unmarshal(data, &parsed.Scenario); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Message:  fmt.Sprintf("failed to decode scenario: %v", err),
			Severity: "error",
		})
		return parsed
	}

	parsed.Errors = append(parsed.Errors, cp.ValidateScenario(parsed.Scenario)...)
	return parsed
}

// ValidateScenario runs the struct-tag and engine parameter checks.
func (cp *CUEParser) ValidateScenario(s Scenario) []ValidationError {
	var out []ValidationError

	if err := cp.validator.Struct(s); err != nil {
		var fieldErrs validator.ValidationErrors
		if !asValidationErrors(err, &fieldErrs) {
			return []ValidationError{{Message: err.Error(), Severity: "error"}}
		}
		for _, fe := range fieldErrs {
			out = append(out, ValidationError{
				Path:     strings.TrimPrefix(fe.Namespace(), "Scenario."),
				Message:  describeFieldError(fe),
				Severity: "error",
			})
		}
		return out
	}

	if _, err := s.Params(); err != nil {
		out = append(out, ValidationError{Message: err.Error(), Severity: "error"})
	}
	return out
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	fe, ok := err.(validator.ValidationErrors)
	if ok {
		*target = fe
	}
	return ok
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt", "gte", "lt", "lte", "min", "max", "gtefield", "ltefield", "gtfield":
		return fmt.Sprintf("must be %s %s, got %v", fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// resolveScript makes a relative boundary script path relative to the
// directory of the first source file.
func (cp *CUEParser) resolveScript(parsed *ParsedScenario, firstSource string) {
	script := parsed.Scenario.BoundaryScript
	if script == "" || filepath.IsAbs(script) {
		return
	}
	dir := firstSource
	if info, err := os.Stat(firstSource); err == nil && !info.IsDir() {
		dir = filepath.Dir(firstSource)
	}
	parsed.Scenario.BoundaryScript = filepath.Join(dir, script)
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// ExportCUE renders a scenario as formatted CUE source.
func (cp *CUEParser) ExportCUE(s Scenario) ([]byte, error) {
	cp.schemaRegistry.mu.Lock()
	defer cp.schemaRegistry.mu.Unlock()

	val := cp.schemaRegistry.ctx.Encode(s)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode scenario: %w", err)
	}

	src, err := format.Node(val.Syntax(cue.Concrete(true)))
	if err != nil {
		return nil, fmt.Errorf("failed to format scenario: %w", err)
	}
	return src, nil
}

// ExportJSON renders a scenario as indented JSON.
func (cp *CUEParser) ExportJSON(s Scenario) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// LoadFromDirectory lists the .cue files under dir, sorted.
func (cp *CUEParser) LoadFromDirectory(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == "cue.mod" {
			return filepath.SkipDir
		}
		if !d.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Strings(files)
	return files, nil
}
