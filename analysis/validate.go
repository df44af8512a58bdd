package analysis

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/c360studio/unit09/entity"
	"github.com/c360studio/unit09/stage"
)

// Validate checks a module set. Errors: empty modules, invalid names or
// kinds, duplicate keys, dangling dependencies and dependency cycles.
// Warnings: modules above the size threshold and modules no package
// in the graph maps to.
func (a *Analyzer) Validate(ctx context.Context, mods []stage.ModuleCandidate, g *stage.Graph) (*stage.ValidationReport, error) {
	report := &stage.ValidationReport{Modules: len(mods), Issues: []stage.Issue{}}
	add := func(sev stage.Severity, mod, format string, args ...any) {
		report.Issues = append(report.Issues, stage.Issue{Severity: sev, Module: mod, Message: fmt.Sprintf(format, args...)})
	}

	byPath := make(map[string]stage.ModuleCandidate, len(mods))
	keys := make(map[string]string, len(mods))
	for _, m := range mods {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if prev, ok := keys[m.Key]; ok {
			add(stage.SeverityError, m.Name, "duplicate key shared with %s", prev)
		}
		keys[m.Key] = m.Name
		byPath[m.Path] = m

		if m.Name == "" || len(m.Name) > entity.MaxNameLen {
			add(stage.SeverityError, m.Name, "name must be 1-%d bytes", entity.MaxNameLen)
		}
		if !m.Kind.Valid() {
			add(stage.SeverityError, m.Name, "unknown kind %q", m.Kind)
		}
		if len(m.Packages) == 0 {
			add(stage.SeverityError, m.Name, "module has no packages")
		}
		if m.Lines > a.maxModuleLines {
			add(stage.SeverityWarning, m.Name, "%d lines exceeds %d", m.Lines, a.maxModuleLines)
		}
		if g != nil {
			for _, p := range m.Packages {
				if _, ok := g.Packages[p]; !ok {
					add(stage.SeverityWarning, m.Name, "package %s is not in the graph", p)
				}
			}
		}
	}

	for _, m := range mods {
		for _, dep := range m.DependsOn {
			if _, ok := byPath[dep]; !ok {
				add(stage.SeverityError, m.Name, "depends on unknown module %s", dep)
			}
		}
	}
	for _, cycle := range findCycles(mods) {
		add(stage.SeverityError, byPath[cycle[0]].Name, "dependency cycle: %s", strings.Join(cycle, " -> "))
	}

	a.logger.Debug("Modules validated", "modules", len(mods), "issues", len(report.Issues), "errors", report.Errors())
	return report, nil
}

// findCycles reports each strongly connected component with more than one
// module, or a module depending on itself, as a closed path.
func findCycles(mods []stage.ModuleCandidate) [][]string {
	deps := make(map[string][]string, len(mods))
	nodes := make([]string, 0, len(mods))
	for _, m := range mods {
		deps[m.Path] = m.DependsOn
		nodes = append(nodes, m.Path)
	}
	sort.Strings(nodes)

	index := make(map[string]int)
	low := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var cycles [][]string
	next := 0

	var connect func(v string)
	connect = func(v string) {
		index[v], low[v] = next, next
		next++
		stack = append(stack, v)
		onStack[v] = true
		for _, w := range deps[v] {
			if _, known := deps[w]; !known {
				continue
			}
			if _, seen := index[w]; !seen {
				connect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}
		if low[v] != index[v] {
			return
		}
		var comp []string
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		selfLoop := false
		for _, d := range deps[v] {
			if d == v {
				selfLoop = true
			}
		}
		if len(comp) > 1 || selfLoop {
			sort.Strings(comp)
			cycles = append(cycles, append(comp, comp[0]))
		}
	}
	for _, v := range nodes {
		if _, seen := index[v]; !seen {
			connect(v)
		}
	}
	return cycles
}
