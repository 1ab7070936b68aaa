package engine

import (
	"strings"
)

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

// Resolve computes a dependency-first start order for requested and
// partitions it into levels. Dependencies outside the requested set are not
// edges. Duplicate names in requested are ignored.
func Resolve(requested []string, specs map[string]ServiceSpec) (*Plan, error) {
	inSet := make(map[string]bool, len(requested))
	var names []string
	for _, name := range requested {
		if inSet[name] {
			continue
		}
		if _, ok := specs[name]; !ok {
			return nil, &ConfigError{Service: name, Reason: "no service definition"}
		}
		inSet[name] = true
		names = append(names, name)
	}

	deps := make(map[string][]string, len(names))
	for _, name := range names {
		for _, dep := range specs[name].DependsOn {
			if inSet[dep] {
				deps[name] = append(deps[name], dep)
			}
		}
	}

	states := make(map[string]visitState, len(names))
	order := make([]string, 0, len(names))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch states[name] {
		case visited:
			return nil
		case visiting:
			return cycleError(path, name)
		}
		states[name] = visiting
		path = append(path, name)
		for _, dep := range deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		states[name] = visited
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return &Plan{
		Order:  order,
		Levels: levels(order, deps),
		deps:   deps,
	}, nil
}

func cycleError(path []string, closing string) error {
	start := 0
	for i, n := range path {
		if n == closing {
			start = i
			break
		}
	}
	cycle := append(append([]string{}, path[start:]...), closing)
	return &ConfigError{
		Service: closing,
		Reason:  "dependency cycle " + strings.Join(cycle, " -> "),
		Err:     ErrDependencyCycle,
	}
}

// levels greedily groups order so that every service sits in the first level
// after all of its in-set dependencies.
func levels(order []string, deps map[string][]string) [][]string {
	placed := make(map[string]bool, len(order))
	remaining := append([]string{}, order...)
	var out [][]string
	for len(remaining) > 0 {
		var level, rest []string
		for _, name := range remaining {
			ready := true
			for _, dep := range deps[name] {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, name)
			} else {
				rest = append(rest, name)
			}
		}
		for _, name := range level {
			placed[name] = true
		}
		out = append(out, level)
		remaining = rest
	}
	return out
}

// DependsOn returns the in-set dependencies of name.
func (p *Plan) DependsOn(name string) []string {
	return append([]string{}, p.deps[name]...)
}

// LevelOf returns the index of the level containing name, or -1.
func (p *Plan) LevelOf(name string) int {
	for i, level := range p.Levels {
		for _, n := range level {
			if n == name {
				return i
			}
		}
	}
	return -1
}

// DependentsOf returns the services in levels after afterLevel that directly
// depend on failed, in start order.
func (p *Plan) DependentsOf(failed string, afterLevel int) []string {
	var out []string
	for i := afterLevel + 1; i < len(p.Levels); i++ {
		for _, name := range p.Levels[i] {
			for _, dep := range p.deps[name] {
				if dep == failed {
					out = append(out, name)
					break
				}
			}
		}
	}
	return out
}

// Contains reports whether name is part of the plan.
func (p *Plan) Contains(name string) bool {
	return p.LevelOf(name) >= 0
}
