package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"docpipe/internal/services"
)

// Stage declares one node of a pipeline: which processor runs, what it waits
// for, and how stubborn the engine is about failures. TolerateFailure names
// the dependencies this stage can proceed without; tolerance is declared per
// edge, so two dependents of the same stage may react differently to its
// failure.
type Stage struct {
	Name            string         `toml:"name"`
	Processor       string         `toml:"processor"`
	DependsOn       []string       `toml:"depends_on"`
	TolerateFailure []string       `toml:"tolerate_failure"`
	Retries         int            `toml:"retries"`
	TimeoutSeconds  int            `toml:"timeout"`
	Fallback        string         `toml:"fallback"`
	Config          map[string]any `toml:"config"`
}

// Tolerates reports whether the stage declared it can run without the named
// dependency's output.
func (s Stage) Tolerates(dep string) bool {
	for _, name := range s.TolerateFailure {
		if name == dep {
			return true
		}
	}
	return false
}

// Definition is a named DAG of stages loaded from a TOML file.
type Definition struct {
	Name        string  `toml:"name"`
	Description string  `toml:"description"`
	Stages      []Stage `toml:"stage"`
}

// LoadDefinition parses and validates a single pipeline definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "read definition", path, err)
	}

	var def Definition
	if err := toml.Unmarshal(data, &def); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "parse definition", path, err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDir loads every *.toml definition in a directory, sorted by name.
func LoadDir(dir string) ([]*Definition, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "scan definitions", dir, err)
	}
	sort.Strings(matches)

	defs := make([]*Definition, 0, len(matches))
	for _, path := range matches {
		def, err := LoadDefinition(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Validate checks structural integrity: unique stage names, resolvable
// dependencies, and an acyclic graph.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return services.Wrap(services.ErrValidation, "pipeline", "validate", "definition name must not be empty", nil)
	}
	if len(d.Stages) == 0 {
		return services.Wrap(services.ErrValidation, "pipeline", "validate",
			fmt.Sprintf("definition %s has no stages", d.Name), nil)
	}

	seen := make(map[string]bool, len(d.Stages))
	for _, stage := range d.Stages {
		if strings.TrimSpace(stage.Name) == "" {
			return services.Wrap(services.ErrValidation, "pipeline", "validate",
				fmt.Sprintf("definition %s has a stage with no name", d.Name), nil)
		}
		if strings.TrimSpace(stage.Processor) == "" {
			return services.Wrap(services.ErrValidation, "pipeline", "validate",
				fmt.Sprintf("stage %s names no processor", stage.Name), nil)
		}
		if seen[stage.Name] {
			return services.Wrap(services.ErrValidation, "pipeline", "validate",
				fmt.Sprintf("duplicate stage name %s", stage.Name), nil)
		}
		seen[stage.Name] = true
	}

	for _, stage := range d.Stages {
		deps := make(map[string]bool, len(stage.DependsOn))
		for _, dep := range stage.DependsOn {
			if !seen[dep] {
				return services.Wrap(services.ErrValidation, "pipeline", "validate",
					fmt.Sprintf("stage %s depends on unknown stage %s", stage.Name, dep), nil)
			}
			if dep == stage.Name {
				return services.Wrap(services.ErrValidation, "pipeline", "validate",
					fmt.Sprintf("stage %s depends on itself", stage.Name), nil)
			}
			deps[dep] = true
		}
		for _, dep := range stage.TolerateFailure {
			if !deps[dep] {
				return services.Wrap(services.ErrValidation, "pipeline", "validate",
					fmt.Sprintf("stage %s tolerates failure of %s, which is not one of its dependencies", stage.Name, dep), nil)
			}
		}
	}

	if _, err := d.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// Stage returns the named stage declaration.
func (d *Definition) Stage(name string) (Stage, bool) {
	for _, stage := range d.Stages {
		if stage.Name == name {
			return stage, true
		}
	}
	return Stage{}, false
}

// failureTolerated reports whether every dependent of the named stage declared
// tolerance for its failure. A failed stage with no dependents is never
// tolerated: its output was a terminal product of the pipeline.
func (d *Definition) failureTolerated(name string) bool {
	found := false
	for _, stage := range d.Stages {
		for _, dep := range stage.DependsOn {
			if dep != name {
				continue
			}
			found = true
			if !stage.Tolerates(name) {
				return false
			}
		}
	}
	return found
}

// TopologicalOrder returns stage names in dependency order using Kahn's
// algorithm. A cycle yields a validation error naming the trapped stages.
func (d *Definition) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(d.Stages))
	dependents := make(map[string][]string, len(d.Stages))
	for _, stage := range d.Stages {
		indegree[stage.Name] += 0
		for _, dep := range stage.DependsOn {
			indegree[stage.Name]++
			dependents[dep] = append(dependents[dep], stage.Name)
		}
	}

	var ready []string
	for _, stage := range d.Stages {
		if indegree[stage.Name] == 0 {
			ready = append(ready, stage.Name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(d.Stages))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(d.Stages) {
		var trapped []string
		for name, deg := range indegree {
			if deg > 0 {
				trapped = append(trapped, name)
			}
		}
		sort.Strings(trapped)
		return nil, services.Wrap(services.ErrValidation, "pipeline", "validate",
			fmt.Sprintf("definition %s has a dependency cycle involving: %s", d.Name, strings.Join(trapped, ", ")), nil)
	}
	return order, nil
}
