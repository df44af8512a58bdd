package analysis

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/c360studio/unit09/address"
	"github.com/c360studio/unit09/entity"
	"github.com/c360studio/unit09/stage"
)

// Decompose groups packages into module candidates. Every cmd/<name> tree
// becomes its own module; other packages group under their top-level
// directory. Module dependencies are lifted from package edges.
func (a *Analyzer) Decompose(ctx context.Context, g *stage.Graph) ([]stage.ModuleCandidate, error) {
	type group struct {
		root     string
		pkgs     []string
		lines    map[string]int
		hasMain  bool
		allTests bool
		names    []string
	}
	groups := make(map[string]*group)
	ownerOf := make(map[string]string, len(g.Packages))

	ids := make([]string, 0, len(g.Packages))
	for id := range g.Packages {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pkg := g.Packages[id]
		root := moduleRoot(pkg.Path)
		gr, ok := groups[root]
		if !ok {
			gr = &group{root: root, lines: make(map[string]int), allTests: true}
			groups[root] = gr
		}
		gr.pkgs = append(gr.pkgs, id)
		gr.lines[pkg.Language] += pkg.Lines
		gr.hasMain = gr.hasMain || pkg.HasMain
		gr.allTests = gr.allTests && pkg.IsTest
		gr.names = append(gr.names, pkg.Name)
		ownerOf[id] = root
	}

	mods := make([]stage.ModuleCandidate, 0, len(groups))
	for _, gr := range groups {
		deps := make(map[string]bool)
		for _, id := range gr.pkgs {
			for _, to := range g.Edges[id] {
				if owner, ok := ownerOf[to]; ok && owner != gr.root {
					deps[owner] = true
				}
			}
		}
		total := 0
		for _, n := range gr.lines {
			total += n
		}
		mods = append(mods, stage.ModuleCandidate{
			Key:       address.KeyFromParts(g.RepoKey, gr.root),
			Name:      moduleName(gr.root),
			Path:      gr.root,
			Kind:      classify(gr.root, gr.hasMain, gr.allTests, gr.names),
			Language:  dominant(gr.lines),
			Packages:  gr.pkgs,
			DependsOn: sortedKeys(deps),
			Lines:     total,
		})
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].Path < mods[j].Path })

	a.logger.Debug("Graph decomposed", "repo_key", g.RepoKey, "packages", len(g.Packages), "modules", len(mods))
	return mods, nil
}

func moduleRoot(dir string) string {
	if dir == "." || dir == "" {
		return "."
	}
	parts := strings.Split(dir, "/")
	if (parts[0] == "cmd" || parts[0] == "bin" || parts[0] == "scripts") && len(parts) > 1 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

func moduleName(root string) string {
	name := "root"
	if root != "." {
		name = strings.ReplaceAll(root, "/", "-")
	}
	if len(name) > entity.MaxNameLen {
		name = name[:entity.MaxNameLen]
	}
	return name
}

func classify(root string, hasMain, allTests bool, names []string) entity.ModuleKind {
	base := path.Base(root)
	switch {
	case hasMain:
		for _, hint := range []string{"server", "service", "daemon", "api", "worker", "gateway"} {
			if strings.Contains(base, hint) {
				return entity.ModuleService
			}
		}
		return entity.ModuleCLI
	case allTests, base == "test", base == "tests", base == "e2e":
		return entity.ModuleTest
	case base == "config", base == "configs", base == "conf", base == "settings":
		return entity.ModuleConfig
	case base == "components", base == "ui", base == "widgets":
		return entity.ModuleComponent
	}
	for _, n := range names {
		if n != "" && n != "main" {
			return entity.ModuleLibrary
		}
	}
	return entity.ModuleOther
}

// dominant returns the language with the most lines, breaking ties by name.
func dominant(lines map[string]int) string {
	best, bestN := "", -1
	for lang, n := range lines {
		if n > bestN || (n == bestN && lang < best) {
			best, bestN = lang, n
		}
	}
	return best
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
