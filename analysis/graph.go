package analysis

import (
	"context"
	"sort"
	"strings"

	"github.com/c360studio/unit09/stage"
)

// BuildGraph resolves each package's imports against the project's own
// packages. External imports are dropped; self edges are ignored.
func (a *Analyzer) BuildGraph(ctx context.Context, p *stage.Project) (*stage.Graph, error) {
	g := &stage.Graph{
		RepoKey:  p.RepoKey,
		Packages: make(map[string]stage.Package, len(p.Packages)),
		Edges:    make(map[string][]string),
	}
	goPkgs := make(map[string]bool)
	pyPkgs := make(map[string]bool)
	for _, pkg := range p.Packages {
		id := packageID(pkg)
		g.Packages[id] = pkg
		switch pkg.Language {
		case "go":
			goPkgs[pkg.Path] = true
		case "python":
			pyPkgs[pkg.Path] = true
		}
	}

	for _, pkg := range p.Packages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		from := packageID(pkg)
		seen := map[string]bool{from: true}
		for _, imp := range pkg.Imports {
			var to string
			switch pkg.Language {
			case "go":
				to = resolveGoImport(p.ModulePath, imp, goPkgs)
			case "python":
				to = resolvePythonImport(imp, pyPkgs)
			}
			if to == "" {
				continue
			}
			to = packageID(stage.Package{Path: to, Language: pkg.Language})
			if seen[to] {
				continue
			}
			seen[to] = true
			g.Edges[from] = append(g.Edges[from], to)
		}
		sort.Strings(g.Edges[from])
	}
	return g, nil
}

// packageID keys a package in the graph. Go packages use their directory;
// other languages are suffixed so a directory holding both stays two nodes.
func packageID(pkg stage.Package) string {
	if pkg.Language == "go" {
		return pkg.Path
	}
	return pkg.Path + "#" + pkg.Language
}

func resolveGoImport(modulePath, imp string, known map[string]bool) string {
	if modulePath == "" {
		return ""
	}
	var dir string
	switch {
	case imp == modulePath:
		dir = "."
	case strings.HasPrefix(imp, modulePath+"/"):
		dir = strings.TrimPrefix(imp, modulePath+"/")
	default:
		return ""
	}
	if !known[dir] {
		return ""
	}
	return dir
}

// resolvePythonImport maps a dotted module name to the deepest known
// package directory it lies in. "a.b.c" may be module c of package a/b.
func resolvePythonImport(imp string, known map[string]bool) string {
	if imp == "" {
		return ""
	}
	parts := strings.Split(imp, ".")
	for n := len(parts); n > 0; n-- {
		dir := strings.Join(parts[:n], "/")
		if known[dir] {
			return dir
		}
	}
	return ""
}
