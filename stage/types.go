package stage

import "github.com/c360studio/unit09/entity"

// Source locates a repository working copy for the stage functions.
type Source struct {
	RepoKey string   `json:"repo_key"`
	Path    string   `json:"path"`
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// FileStat describes one observed file.
type FileStat struct {
	Path     string `json:"path"`
	Language string `json:"language"`
	Lines    int    `json:"lines"`
	Size     int64  `json:"size"`
}

// Observation summarizes a walk over a working copy.
type Observation struct {
	RepoKey    string         `json:"repo_key"`
	Root       string         `json:"root"`
	Files      []FileStat     `json:"files"`
	TotalFiles uint64         `json:"total_files"`
	TotalLines uint64         `json:"total_lines"`
	Languages  map[string]int `json:"languages"`
}

// Package is one parsed source directory.
type Package struct {
	// Path is the directory relative to the project root, "." for the root.
	Path     string   `json:"path"`
	Name     string   `json:"name"`
	Language string   `json:"language"`
	Files    []string `json:"files"`
	Imports  []string `json:"imports"`
	Lines    int      `json:"lines"`
	HasMain  bool     `json:"has_main"`
	IsTest   bool     `json:"is_test"`
}

// Project is the parsed form of a working copy.
type Project struct {
	RepoKey string `json:"repo_key"`
	Root    string `json:"root"`
	// ModulePath is the import path prefix of the project's own packages.
	ModulePath string    `json:"module_path,omitempty"`
	Packages   []Package `json:"packages"`
}

// Graph is the internal package dependency graph. Edges point from an
// importing package to the imported one; both ends are package paths.
type Graph struct {
	RepoKey  string              `json:"repo_key"`
	Packages map[string]Package  `json:"packages"`
	Edges    map[string][]string `json:"edges"`
}

// ModuleCandidate is a module proposed by decomposition.
type ModuleCandidate struct {
	Key       string            `json:"key"`
	Name      string            `json:"name"`
	Path      string            `json:"path"`
	Kind      entity.ModuleKind `json:"kind"`
	Language  string            `json:"language"`
	Packages  []string          `json:"packages"`
	DependsOn []string          `json:"depends_on"`
	Lines     int               `json:"lines"`
}

// Artifact is a generated file.
type Artifact struct {
	Module string `json:"module"`
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
}

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding.
type Issue struct {
	Severity Severity `json:"severity"`
	Module   string   `json:"module"`
	Message  string   `json:"message"`
}

// ValidationReport lists every finding for a module set.
type ValidationReport struct {
	Modules int     `json:"modules"`
	Issues  []Issue `json:"issues"`
}

// Errors returns the number of error-severity issues.
func (r *ValidationReport) Errors() int {
	n := 0
	for _, is := range r.Issues {
		if is.Severity == SeverityError {
			n++
		}
	}
	return n
}

// SyncResult reports what a registry sync did.
type SyncResult struct {
	Registered []string `json:"registered"`
	Existing   []string `json:"existing"`
	Skipped    []string `json:"skipped"`
	DryRun     bool     `json:"dry_run"`
}
