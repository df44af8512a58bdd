package analysis

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/unit09/stage"
)

// DefaultExclude is applied in addition to any caller excludes.
var DefaultExclude = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/vendor/**",
	"**/.venv/**",
	"**/__pycache__/**",
}

// Observe walks src.Path and counts files and lines. Include patterns
// (default "**") and exclude patterns are doublestar globs matched against
// slash-separated paths relative to the root.
func (a *Analyzer) Observe(ctx context.Context, src stage.Source) (*stage.Observation, error) {
	root, err := resolveRoot(src.Path)
	if err != nil {
		return nil, err
	}
	include := src.Include
	if len(include) == 0 {
		include = []string{"**"}
	}
	exclude := append(append([]string(nil), DefaultExclude...), src.Exclude...)
	for _, p := range append(append([]string(nil), include...), exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("observe: bad pattern %q", p)
		}
	}

	obs := &stage.Observation{RepoKey: src.RepoKey, Root: root, Languages: make(map[string]int)}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && matchAny(exclude, rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !matchAny(include, rel) || matchAny(exclude, rel) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		lang := languageOf(rel)
		lines := countLines(content)
		obs.Files = append(obs.Files, stage.FileStat{Path: rel, Language: lang, Lines: lines, Size: int64(len(content))})
		obs.TotalFiles++
		obs.TotalLines += uint64(lines)
		obs.Languages[lang]++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("observe %s: %w", root, err)
	}

	a.logger.Debug("Observation complete", "root", root, "files", obs.TotalFiles, "lines", obs.TotalLines)
	return obs, nil
}

func matchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}

func countLines(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	n := bytes.Count(content, []byte{'\n'})
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}

func resolveRoot(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", abs)
	}
	return abs, nil
}
