package stage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360studio/unit09/entity"
	"github.com/c360studio/unit09/jobqueue"
	"github.com/c360studio/unit09/ledger"
)

// Stages are the external analysis and generation functions a handler
// chains. Each call may block on I/O and may fail.
type Stages interface {
	Observe(ctx context.Context, src Source) (*Observation, error)
	Parse(ctx context.Context, src Source) (*Project, error)
	BuildGraph(ctx context.Context, p *Project) (*Graph, error)
	Decompose(ctx context.Context, g *Graph) ([]ModuleCandidate, error)
	GenerateArtifacts(ctx context.Context, mods []ModuleCandidate, outDir string) ([]Artifact, error)
	Validate(ctx context.Context, mods []ModuleCandidate, g *Graph) (*ValidationReport, error)
	SyncLedger(ctx context.Context, src Source, mods []ModuleCandidate, dryRun bool) (*SyncResult, error)
}

// Registrar is the slice of the registry the handlers write to.
type Registrar interface {
	RecordObservation(ctx context.Context, repoKey string, linesOfCode, files uint64) (*entity.Repository, error)
	CreateFork(ctx context.Context, p ledger.CreateForkParams) (*entity.Fork, error)
	ApplyLifecycle(ctx context.Context, subject entity.Subject, ev entity.LifecycleEvent) (*entity.Lifecycle, error)
}

// ObserveOutput is the result of an observeRepo job.
type ObserveOutput struct {
	Observation *Observation       `json:"observation"`
	Usage       *entity.UsageStats `json:"usage,omitempty"`
}

// AnalyzeOutput is the result of an analyzeRepo job.
type AnalyzeOutput struct {
	ModulePath string `json:"module_path,omitempty"`
	Packages   int    `json:"packages"`
	Edges      int    `json:"edges"`
}

// GenerateOutput is the result of a generateModules job.
type GenerateOutput struct {
	Modules   []ModuleCandidate `json:"modules"`
	Artifacts []Artifact        `json:"artifacts"`
}

type handlers struct {
	stages   Stages
	registry Registrar
	logger   *slog.Logger
}

// NewDefaultRegistry wires a handler for every job type.
func NewDefaultRegistry(stages Stages, registry Registrar, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{stages: stages, registry: registry, logger: logger}
	r := NewRegistry()
	r.Register(jobqueue.TypeObserveRepo, h.tracked(entity.SubjectRepo, h.observeRepo))
	r.Register(jobqueue.TypeAnalyzeRepo, h.tracked(entity.SubjectRepo, h.analyzeRepo))
	r.Register(jobqueue.TypeDecompose, h.tracked(entity.SubjectRepo, h.decompose))
	r.Register(jobqueue.TypeGenerateModules, h.tracked(entity.SubjectRepo, h.generateModules))
	r.Register(jobqueue.TypeValidateModules, h.tracked(entity.SubjectRepo, h.validateModules))
	r.Register(jobqueue.TypeSyncOnChain, h.tracked(entity.SubjectRepo, h.syncOnChain))
	r.Register(jobqueue.TypeForkEvolution, h.tracked(entity.SubjectFork, h.forkEvolution))
	return r
}

// tracked records every failed attempt as an error event on the job's
// subject. The event is written even when the attempt ran out of time.
func (h *handlers) tracked(kind entity.SubjectKind, fn Handler) Handler {
	return func(ctx context.Context, job *jobqueue.Job) Result {
		res := fn(ctx, job)
		if res.Success {
			return res
		}
		key := job.SubjectKey()
		if key == "" {
			return res
		}
		msg := "handler reported failure"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		h.lifecycle(context.WithoutCancel(ctx), job, entity.Subject{Kind: kind, Key: key}, entity.EventError, msg)
		return res
	}
}

// lifecycle applies ev to subject. A failed write is logged and does not
// change the job's outcome.
func (h *handlers) lifecycle(ctx context.Context, job *jobqueue.Job, subject entity.Subject, kind entity.LifecycleEventKind, msg string) {
	ev := entity.LifecycleEvent{Kind: kind, Message: msg}
	if _, err := h.registry.ApplyLifecycle(ctx, subject, ev); err != nil {
		h.logger.Warn("Failed to record lifecycle", "job_id", job.ID, "job_type", job.Type,
			"subject", subject.Kind, "key", subject.Key, "event", kind, "error", err)
	}
}

func (h *handlers) enter(job *jobqueue.Job, keyAttr string) *slog.Logger {
	log := h.logger.With("job_id", job.ID, "job_type", job.Type, keyAttr, job.SubjectKey())
	log.Info("Handling job", "attempt", job.Attempts+1)
	return log
}

func (h *handlers) observeRepo(ctx context.Context, job *jobqueue.Job) Result {
	p, err := payloadAs[jobqueue.ObserveRepo](job)
	if err != nil {
		return Failed(err, nil)
	}
	log := h.enter(job, "repo_key")

	h.lifecycle(ctx, job, entity.Subject{Kind: entity.SubjectRepo, Key: p.RepoKey}, entity.EventObservationStarted, "")
	obs, err := h.stages.Observe(ctx, Source{RepoKey: p.RepoKey, Path: p.Path, Include: p.Include, Exclude: p.Exclude})
	if err != nil {
		return Failed(stageErr("observe", err), nil)
	}
	repo, err := h.registry.RecordObservation(ctx, p.RepoKey, obs.TotalLines, obs.TotalFiles)
	if err != nil {
		return Failed(stageErr("record observation", err), nil)
	}
	log.Info("Repository observed", "files", obs.TotalFiles, "lines", obs.TotalLines)
	return Succeeded(ObserveOutput{Observation: obs, Usage: repo.Usage})
}

func (h *handlers) analyzeRepo(ctx context.Context, job *jobqueue.Job) Result {
	p, err := payloadAs[jobqueue.AnalyzeRepo](job)
	if err != nil {
		return Failed(err, nil)
	}
	log := h.enter(job, "repo_key")

	proj, g, err := h.parseAndGraph(ctx, p.RepoSource)
	if err != nil {
		return Failed(err, nil)
	}
	out := AnalyzeOutput{ModulePath: proj.ModulePath, Packages: len(g.Packages), Edges: countEdges(g)}
	log.Info("Repository analyzed", "packages", out.Packages, "edges", out.Edges)
	return Succeeded(out)
}

func (h *handlers) decompose(ctx context.Context, job *jobqueue.Job) Result {
	p, err := payloadAs[jobqueue.Decompose](job)
	if err != nil {
		return Failed(err, nil)
	}
	log := h.enter(job, "repo_key")

	mods, _, err := h.modules(ctx, p.RepoSource)
	if err != nil {
		return Failed(err, nil)
	}
	log.Info("Repository decomposed", "modules", len(mods))
	return Succeeded(mods)
}

func (h *handlers) generateModules(ctx context.Context, job *jobqueue.Job) Result {
	p, err := payloadAs[jobqueue.GenerateModules](job)
	if err != nil {
		return Failed(err, nil)
	}
	log := h.enter(job, "repo_key")

	mods, _, err := h.modules(ctx, p.RepoSource)
	if err != nil {
		return Failed(err, nil)
	}
	arts, err := h.stages.GenerateArtifacts(ctx, mods, p.OutputDir)
	if err != nil {
		return Failed(stageErr("generate", err), nil)
	}
	log.Info("Module artifacts generated", "modules", len(mods), "artifacts", len(arts))
	return Succeeded(GenerateOutput{Modules: mods, Artifacts: arts})
}

func (h *handlers) validateModules(ctx context.Context, job *jobqueue.Job) Result {
	p, err := payloadAs[jobqueue.ValidateModules](job)
	if err != nil {
		return Failed(err, nil)
	}
	log := h.enter(job, "repo_key")

	mods, g, err := h.modules(ctx, p.RepoSource)
	if err != nil {
		return Failed(err, nil)
	}
	report, err := h.stages.Validate(ctx, mods, g)
	if err != nil {
		return Failed(stageErr("validate", err), nil)
	}
	if n := report.Errors(); n > 0 {
		log.Warn("Module validation found errors", "errors", n, "issues", len(report.Issues))
		return Failed(stageErr("validate", fmt.Errorf("%d errors: %w", n, ErrValidationFailed)), report)
	}
	log.Info("Modules validated", "modules", report.Modules, "issues", len(report.Issues))
	return Succeeded(report)
}

func (h *handlers) syncOnChain(ctx context.Context, job *jobqueue.Job) Result {
	p, err := payloadAs[jobqueue.SyncOnChain](job)
	if err != nil {
		return Failed(err, nil)
	}
	log := h.enter(job, "repo_key")

	mods, _, err := h.modules(ctx, p.RepoSource)
	if err != nil {
		return Failed(err, nil)
	}
	res, err := h.stages.SyncLedger(ctx, Source{RepoKey: p.RepoKey, Path: p.Path}, mods, p.DryRun)
	if err != nil {
		return Failed(stageErr("sync", err), nil)
	}
	log.Info("Modules synced", "registered", len(res.Registered), "existing", len(res.Existing),
		"skipped", len(res.Skipped), "dry_run", res.DryRun)
	return Succeeded(res)
}

func (h *handlers) forkEvolution(ctx context.Context, job *jobqueue.Job) Result {
	p, err := payloadAs[jobqueue.ForkEvolution](job)
	if err != nil {
		return Failed(err, nil)
	}
	log := h.enter(job, "fork_key")

	parent := p.ParentForkKey
	fork, err := h.registry.CreateFork(ctx, ledger.CreateForkParams{
		NewForkParams: entity.NewForkParams{
			Key:         p.ForkKey,
			Label:       p.Label,
			Kind:        p.Kind,
			MetadataURI: p.MetadataURI,
			Tags:        p.Tags,
		},
		ParentKey: &parent,
	})
	if err != nil {
		return Failed(stageErr("create fork", err), nil)
	}
	log.Info("Fork evolved", "child_key", fork.Key, "depth", fork.Depth)
	return Succeeded(fork)
}

func (h *handlers) parseAndGraph(ctx context.Context, src jobqueue.RepoSource) (*Project, *Graph, error) {
	proj, err := h.stages.Parse(ctx, Source{RepoKey: src.RepoKey, Path: src.Path})
	if err != nil {
		return nil, nil, stageErr("parse", err)
	}
	g, err := h.stages.BuildGraph(ctx, proj)
	if err != nil {
		return nil, nil, stageErr("build graph", err)
	}
	return proj, g, nil
}

// modules runs parse, build-graph and decompose, each feeding the next.
func (h *handlers) modules(ctx context.Context, src jobqueue.RepoSource) ([]ModuleCandidate, *Graph, error) {
	_, g, err := h.parseAndGraph(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	mods, err := h.stages.Decompose(ctx, g)
	if err != nil {
		return nil, nil, stageErr("decompose", err)
	}
	return mods, g, nil
}

func payloadAs[P jobqueue.Payload](job *jobqueue.Job) (P, error) {
	p, ok := job.Payload.(P)
	if !ok {
		var zero P
		return zero, fmt.Errorf("job %s: want %T payload, got %T: %w", job.ID, zero, job.Payload, jobqueue.ErrInvalidPayload)
	}
	return p, nil
}

func stageErr(stage string, err error) error {
	return fmt.Errorf("%s: %w: %w", stage, ErrStageFailure, err)
}

func countEdges(g *Graph) int {
	n := 0
	for _, to := range g.Edges {
		n += len(to)
	}
	return n
}
