package analysis

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
	"golang.org/x/mod/modfile"

	"github.com/c360studio/unit09/stage"
)

// Parse groups the Go and Python sources under src.Path into packages, one
// per directory and language, with their raw import lists.
func (a *Analyzer) Parse(ctx context.Context, src stage.Source) (*stage.Project, error) {
	root, err := resolveRoot(src.Path)
	if err != nil {
		return nil, err
	}
	proj := &stage.Project{RepoKey: src.RepoKey, Root: root}

	if data, err := os.ReadFile(filepath.Join(root, "go.mod")); err == nil {
		proj.ModulePath = modfile.ModulePath(data)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read go.mod: %w", err)
	}

	py := sitter.NewParser()
	py.SetLanguage(python.GetLanguage())
	defer py.Close()

	pkgs := make(map[string]*stage.Package)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		lang := languageOf(p)
		if lang != "go" && lang != "python" {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}

		dir := path.Dir(rel)
		pkgKey := dir + "\x00" + lang
		pkg, ok := pkgs[pkgKey]
		if !ok {
			pkg = &stage.Package{Path: dir, Language: lang, IsTest: true}
			pkgs[pkgKey] = pkg
		}

		var f parsedFile
		switch lang {
		case "go":
			f, err = parseGoFile(rel, content)
		case "python":
			f, err = parsePythonFile(ctx, py, rel, content)
		}
		if err != nil {
			// One unparsable file should not sink the whole project.
			a.logger.Warn("Skipping unparsable file", "path", rel, "error", err)
			return nil
		}
		pkg.Files = append(pkg.Files, rel)
		pkg.Lines += countLines(content)
		pkg.Imports = append(pkg.Imports, f.imports...)
		pkg.HasMain = pkg.HasMain || f.hasMain
		pkg.IsTest = pkg.IsTest && f.isTest
		if pkg.Name == "" || (!f.isTest && strings.HasSuffix(pkg.Name, "_test")) {
			pkg.Name = f.name
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", root, err)
	}

	for _, pkg := range pkgs {
		pkg.Imports = dedupe(pkg.Imports)
		sort.Strings(pkg.Files)
		proj.Packages = append(proj.Packages, *pkg)
	}
	sort.Slice(proj.Packages, func(i, j int) bool {
		if proj.Packages[i].Path != proj.Packages[j].Path {
			return proj.Packages[i].Path < proj.Packages[j].Path
		}
		return proj.Packages[i].Language < proj.Packages[j].Language
	})

	a.logger.Debug("Project parsed", "root", root, "module_path", proj.ModulePath, "packages", len(proj.Packages))
	return proj, nil
}

type parsedFile struct {
	name    string
	imports []string
	hasMain bool
	isTest  bool
}

func parseGoFile(rel string, content []byte) (parsedFile, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, rel, content, parser.SkipObjectResolution)
	if err != nil {
		return parsedFile{}, err
	}
	out := parsedFile{
		name:   file.Name.Name,
		isTest: strings.HasSuffix(rel, "_test.go"),
	}
	// Test imports would create edges that do not exist in the build graph.
	if !out.isTest {
		for _, imp := range file.Imports {
			out.imports = append(out.imports, strings.Trim(imp.Path.Value, `"`))
		}
	}
	if out.name == "main" {
		for _, decl := range file.Decls {
			if fn, ok := decl.(*ast.FuncDecl); ok && fn.Recv == nil && fn.Name.Name == "main" {
				out.hasMain = true
				break
			}
		}
	}
	return out, nil
}

func parsePythonFile(ctx context.Context, p *sitter.Parser, rel string, content []byte) (parsedFile, error) {
	tree, err := p.ParseCtx(ctx, nil, content)
	if err != nil {
		return parsedFile{}, err
	}
	defer tree.Close()

	base := path.Base(rel)
	out := parsedFile{
		name:    strings.TrimSuffix(base, ".py"),
		hasMain: base == "__main__.py",
		isTest:  strings.HasPrefix(base, "test_") || strings.HasSuffix(base, "_test.py") || base == "conftest.py",
	}
	if base == "__init__.py" {
		out.name = path.Base(path.Dir(rel))
	}

	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		switch node.Type() {
		case "import_statement":
			for j := 0; j < int(node.NamedChildCount()); j++ {
				child := node.NamedChild(j)
				if child.Type() != "dotted_name" && child.Type() != "aliased_import" {
					continue
				}
				name := string(content[child.StartByte():child.EndByte()])
				if idx := strings.Index(name, " as "); idx != -1 {
					name = name[:idx]
				}
				out.imports = append(out.imports, name)
			}
		case "import_from_statement":
			if mod := node.ChildByFieldName("module_name"); mod != nil {
				out.imports = append(out.imports, resolveRelativeImport(rel, string(content[mod.StartByte():mod.EndByte()])))
			}
		case "if_statement":
			cond := node.ChildByFieldName("condition")
			if cond != nil {
				text := string(content[cond.StartByte():cond.EndByte()])
				if strings.Contains(text, "__name__") && strings.Contains(text, "__main__") {
					out.hasMain = true
				}
			}
		}
	}
	return out, nil
}

// resolveRelativeImport turns "from ..a import b" into an absolute dotted
// name based on the importing file's directory.
func resolveRelativeImport(rel, name string) string {
	if !strings.HasPrefix(name, ".") {
		return name
	}
	dots := len(name) - len(strings.TrimLeft(name, "."))
	dir := path.Dir(rel)
	for i := 1; i < dots; i++ {
		dir = path.Dir(dir)
	}
	parts := []string{}
	if dir != "." {
		parts = strings.Split(dir, "/")
	}
	if rest := name[dots:]; rest != "" {
		parts = append(parts, rest)
	}
	return strings.Join(parts, ".")
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
