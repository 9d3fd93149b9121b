// Package orchestrator drives a spec through the fixed pipeline: for each
// stage it resolves context, fans out the roster, synthesizes consensus,
// arbitrates conflicts, and evaluates the guardrail gate before advancing.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"specdrive/internal/arbiter"
	"specdrive/internal/config"
	"specdrive/internal/consensus"
	"specdrive/internal/evidence"
	"specdrive/internal/gate"
	"specdrive/internal/models"
	"specdrive/internal/retrieval"
	"specdrive/internal/storage"
	"specdrive/internal/supervisor"
)

// AlreadyRunningError means another advance holds the per-spec guard.
// Exactly one caller proceeds; the rest get this error immediately.
type AlreadyRunningError struct {
	SpecID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("spec %s: an advance is already in progress", e.SpecID)
}

type Orchestrator struct {
	cfg      *config.Config
	storage  *storage.Storage
	evidence *evidence.Store
	broker   *retrieval.Broker
	gate     *gate.Gate
	arbiter  *arbiter.Arbiter
	strategy consensus.Strategy
	log      *slog.Logger

	mu     sync.Mutex
	active map[string]bool

	// runAgent executes one roster member and blocks until terminal.
	// Swappable for tests.
	runAgent func(ctx context.Context, agent config.AgentConfig, stage models.Stage, prompt string) models.AgentInvocation
}

func New(cfg *config.Config, store *storage.Storage, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	sup := supervisor.New(cfg, log)
	o := &Orchestrator{
		cfg:      cfg,
		storage:  store,
		evidence: evidence.NewStore(cfg.EvidenceRoot),
		broker:   retrieval.NewBroker(cfg, log),
		gate:     gate.New(cfg, log),
		arbiter:  arbiter.New(sup, cfg, log),
		strategy: consensus.StrategyFor(cfg.ConflictRule),
		log:      log,
		active:   make(map[string]bool),
	}
	o.runAgent = func(ctx context.Context, agent config.AgentConfig, stage models.Stage, prompt string) models.AgentInvocation {
		h := sup.Invoke(ctx, agent, stage, prompt)
		<-h.Done()
		return h.Snapshot()
	}
	return o
}

// ProgressEvent is a lightweight notification for interactive consumers.
type ProgressEvent struct {
	SpecID string
	RunID  int64
	Stage  models.Stage
	Agent  string
	Note   string
}

// AdvanceOptions tunes one advance. Overrides are explicit and every use is
// recorded as an event; there is no silent stage skipping.
type AdvanceOptions struct {
	// From restarts the pipeline at a specific stage instead of resuming.
	From models.Stage
	// Skip names stages to bypass. Each skip emits an override event.
	Skip []models.Stage
	// Operator identifies who requested the overrides above.
	Operator string
	// Progress receives best-effort notifications; sends never block.
	Progress chan<- ProgressEvent
}

// AdvanceResult reports how far the pipeline got and the decision that
// stopped it, if any.
type AdvanceResult struct {
	Run      *models.SpecRun
	Decision *models.GateDecision
	ExitCode int
}

// Advance drives the spec forward until the pipeline completes, a gate
// blocks, or the context is cancelled. Concurrent advances on the same spec
// are rejected with AlreadyRunningError.
func (o *Orchestrator) Advance(ctx context.Context, specID string, opts AdvanceOptions) (*AdvanceResult, error) {
	if !o.acquire(specID) {
		return nil, &AlreadyRunningError{SpecID: specID}
	}
	defer o.release(specID)

	run, start, err := o.prepareRun(specID, opts)
	if err != nil {
		return nil, err
	}

	specDir, err := o.evidence.SpecDir(specID)
	if err != nil {
		return nil, err
	}
	events := evidence.NewEventLog(specDir)
	sessionID := uuid.NewString()

	sawAdvisory := false
	var lastDecision *models.GateDecision

	for i := start; i < len(models.StageOrder); i++ {
		stage := models.StageOrder[i]

		// Cancellation takes effect between stages; a stage that already
		// started is allowed to finish or time out on its own clock.
		if ctx.Err() != nil {
			return o.haltRun(run, "cancelled before stage "+string(stage), ctx.Err())
		}

		run.CurrentStage = stage
		if stageIn(opts.Skip, stage) {
			o.recordOverride(events, run, stage, "skip", opts.Operator)
			o.notify(opts.Progress, run, stage, "", "skipped by override")
			if err := o.storage.UpdateRun(run); err != nil {
				return nil, err
			}
			continue
		}

		run.Status = models.RunStatusRunning
		if err := o.storage.UpdateRun(run); err != nil {
			return nil, err
		}
		o.notify(opts.Progress, run, stage, "", "stage started")

		decision, err := o.executeStage(ctx, run, stage, sessionID, events, opts.Progress)
		if err != nil {
			return o.failRun(run, err)
		}

		if !decision.Pass {
			run.Status = models.RunStatusBlocked
			run.BlockReason = fmt.Sprintf("gate failed at %s: %s", stage, firstOr(decision.Violations, "see decision"))
			if uerr := o.storage.UpdateRun(run); uerr != nil {
				return nil, uerr
			}
			o.notify(opts.Progress, run, stage, "", "gate blocked")
			return &AdvanceResult{Run: run, Decision: decision, ExitCode: gate.ExitCode(decision)}, nil
		}
		if len(decision.Advisories) > 0 {
			sawAdvisory = true
		}
		lastDecision = decision
		o.notify(opts.Progress, run, stage, "", "gate passed")
	}

	// Every stage either passed its gate or was skipped by an explicit
	// override, so the pipeline is complete. Advisories from any stage
	// keep the advisory exit code even when later gates were clean.
	now := time.Now().UTC()
	run.Status = models.RunStatusCompleted
	run.CompletedAt = &now
	if err := o.storage.UpdateRun(run); err != nil {
		return nil, err
	}
	exit := 0
	if sawAdvisory {
		exit = 1
	}
	return &AdvanceResult{Run: run, Decision: lastDecision, ExitCode: exit}, nil
}

// prepareRun resumes the latest non-terminal run or creates a fresh one, and
// returns the index of the first stage to execute.
func (o *Orchestrator) prepareRun(specID string, opts AdvanceOptions) (*models.SpecRun, int, error) {
	run, err := o.storage.LatestRunForSpec(specID)
	if err != nil {
		return nil, 0, err
	}

	fresh := run == nil ||
		run.Status == models.RunStatusCompleted ||
		run.Status == models.RunStatusFailed

	startStage := models.StagePlan
	if !fresh {
		startStage = run.CurrentStage
	}
	if opts.From != "" {
		if opts.From.Index() < 0 {
			return nil, 0, fmt.Errorf("unknown stage %q", opts.From)
		}
		startStage = opts.From
	}

	if fresh {
		run = &models.SpecRun{
			SpecID:       specID,
			CurrentStage: startStage,
			Status:       models.RunStatusIdle,
		}
		id, err := o.storage.CreateRun(run)
		if err != nil {
			return nil, 0, err
		}
		run.ID = id
	} else if opts.From != "" {
		run.CurrentStage = startStage
	}

	idx := startStage.Index()
	if idx < 0 {
		return nil, 0, fmt.Errorf("unknown stage %q", startStage)
	}
	return run, idx, nil
}

// Resolve records a manual arbiter override for the latest conflicted
// artifact of (spec, stage), as a new artifact version. The blocked run is
// released so the next advance can re-evaluate the gate.
func (o *Orchestrator) Resolve(specID string, stage models.Stage, operator, verdict, rationale string) (*models.ConsensusArtifact, error) {
	if operator == "" {
		return nil, fmt.Errorf("manual resolution requires an operator identity")
	}
	artifact, err := o.storage.LatestArtifact(specID, stage)
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, fmt.Errorf("no consensus artifact for spec %s stage %s", specID, stage)
	}
	if !artifact.Conflicted() && !artifact.Escalated {
		return nil, fmt.Errorf("artifact for spec %s stage %s has no unresolved conflict", specID, stage)
	}

	specDir, err := o.evidence.SpecDir(specID)
	if err != nil {
		return nil, err
	}
	events := evidence.NewEventLog(specDir)

	resolved := *artifact
	resolved.ID = 0
	resolved.Arbiter = o.arbiter.Override(specID, artifact.RunID, artifact, operator, verdict, rationale, events)
	resolved.Escalated = false
	resolved.RecordedAt = time.Now().UTC()
	if _, err := o.storage.InsertArtifact(&resolved); err != nil {
		return nil, err
	}
	if _, err := o.evidence.WriteArtifactSnapshot(&resolved); err != nil {
		o.log.Warn("write artifact snapshot", "err", err)
	}

	if run, err := o.storage.GetRun(artifact.RunID); err == nil && run.Status == models.RunStatusBlocked {
		run.Status = models.RunStatusIdle
		run.BlockReason = ""
		if uerr := o.storage.UpdateRun(run); uerr != nil {
			o.log.Warn("release blocked run", "run", run.ID, "err", uerr)
		}
	}
	return &resolved, nil
}

// Abort marks a run blocked so a follow-up advance starts from a clean
// state. In-flight workers finish under their own timeouts.
func (o *Orchestrator) Abort(runID int64, operator string) error {
	run, err := o.storage.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status == models.RunStatusCompleted || run.Status == models.RunStatusFailed {
		return fmt.Errorf("run %d already finished (%s)", runID, run.Status)
	}
	run.Status = models.RunStatusBlocked
	run.BlockReason = "aborted by " + operator
	return o.storage.UpdateRun(run)
}

// Read methods for the CLI and TUI.

func (o *Orchestrator) ListRuns(limit int) ([]*models.SpecRun, error) {
	return o.storage.ListRuns(limit)
}

func (o *Orchestrator) GetRun(id int64) (*models.SpecRun, error) {
	return o.storage.GetRun(id)
}

func (o *Orchestrator) InvocationsForRun(runID int64) ([]*models.AgentInvocation, error) {
	return o.storage.GetInvocationsForRun(runID)
}

func (o *Orchestrator) LatestArtifact(specID string, stage models.Stage) (*models.ConsensusArtifact, error) {
	return o.storage.LatestArtifact(specID, stage)
}

func (o *Orchestrator) LatestGateDecision(specID string, stage models.Stage) (*models.GateDecision, error) {
	return o.storage.LatestGateDecision(specID, stage)
}

func (o *Orchestrator) ContextStore() *retrieval.LocalStore {
	return o.broker.Local()
}

// helpers

func (o *Orchestrator) acquire(specID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[specID] {
		return false
	}
	o.active[specID] = true
	return true
}

func (o *Orchestrator) release(specID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, specID)
}

func (o *Orchestrator) haltRun(run *models.SpecRun, reason string, cause error) (*AdvanceResult, error) {
	run.Status = models.RunStatusBlocked
	run.BlockReason = reason
	if err := o.storage.UpdateRun(run); err != nil {
		o.log.Warn("persist halted run", "run", run.ID, "err", err)
	}
	return nil, cause
}

func (o *Orchestrator) failRun(run *models.SpecRun, cause error) (*AdvanceResult, error) {
	now := time.Now().UTC()
	run.Status = models.RunStatusFailed
	run.BlockReason = cause.Error()
	run.CompletedAt = &now
	if err := o.storage.UpdateRun(run); err != nil {
		o.log.Warn("persist failed run", "run", run.ID, "err", err)
	}
	return nil, cause
}

func (o *Orchestrator) recordOverride(events *evidence.EventLog, run *models.SpecRun, stage models.Stage, mode, operator string) {
	if err := events.Append(run.SpecID, run.ID, models.RoutingEvent{
		EventType: models.EventOverride,
		Role:      operator,
		Mode:      mode,
		Reason:    string(stage),
	}); err != nil {
		o.log.Warn("append override event", "err", err)
	}
}

func (o *Orchestrator) notify(ch chan<- ProgressEvent, run *models.SpecRun, stage models.Stage, agent, note string) {
	if ch == nil {
		return
	}
	select {
	case ch <- ProgressEvent{SpecID: run.SpecID, RunID: run.ID, Stage: stage, Agent: agent, Note: note}:
	default:
	}
}

func stageIn(list []models.Stage, s models.Stage) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func firstOr(list []string, fallback string) string {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}
