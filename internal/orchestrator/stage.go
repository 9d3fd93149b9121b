package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"specdrive/internal/arbiter"
	"specdrive/internal/config"
	"specdrive/internal/consensus"
	"specdrive/internal/evidence"
	"specdrive/internal/models"
	"specdrive/internal/supervisor"
)

const telemetrySchemaVersion = "1"

// executeStage runs one stage end to end: context resolution, roster
// fan-out, consensus, arbitration, telemetry, gate. The returned decision
// decides whether the pipeline advances; an error fails the run.
func (o *Orchestrator) executeStage(ctx context.Context, run *models.SpecRun, stage models.Stage, sessionID string, events *evidence.EventLog, progress chan<- ProgressEvent) (*models.GateDecision, error) {
	resolved, err := o.broker.ResolveContext(ctx, run.SpecID, run.ID, stage, events)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", stage, err)
	}

	roster := o.cfg.Roster(stage)
	basePrompt := o.buildPrompt(run, stage, resolved.Render())

	var invocations []*models.AgentInvocation
	if stage.Parallel() {
		invocations, err = o.runParallel(ctx, run, stage, basePrompt, roster, events, progress)
	} else {
		invocations, err = o.runSequential(ctx, run, stage, basePrompt, roster, events, progress)
	}
	if err != nil {
		return nil, err
	}

	artifact, err := consensus.Synthesize(stage, len(roster), invocations, o.strategy)
	if err != nil {
		return nil, err
	}
	artifact.SpecID = run.SpecID
	artifact.RunID = run.ID

	if artifact.Conflicted() {
		verdict, rerr := o.arbiter.Resolve(ctx, run.SpecID, run.ID, artifact, events)
		switch {
		case rerr == nil:
			artifact.Arbiter = verdict
		default:
			var exhausted *arbiter.ExhaustedError
			if !errors.As(rerr, &exhausted) {
				return nil, rerr
			}
			// Budget spent without a verdict: the stage proceeds degraded
			// and the escalation is surfaced on both artifact and run.
			artifact.Degraded = true
			artifact.Escalated = true
			run.Degraded = true
			o.log.Warn("arbitration exhausted, proceeding degraded",
				"spec", run.SpecID, "stage", stage, "retries", exhausted.Retries)
		}
	}

	if _, err := o.storage.InsertArtifact(artifact); err != nil {
		return nil, fmt.Errorf("persist artifact: %w", err)
	}
	snapshotPath, err := o.evidence.WriteArtifactSnapshot(artifact)
	if err != nil {
		o.log.Warn("write artifact snapshot", "err", err)
	}

	run.Status = models.RunStatusAwaitingGate
	if err := o.storage.UpdateRun(run); err != nil {
		return nil, err
	}

	raw, err := o.composeTelemetry(run, stage, sessionID, artifact, invocations, snapshotPath)
	if err != nil {
		return nil, err
	}
	evidencePath, err := o.evidence.WriteTelemetry(run.SpecID, stage, run.ID, raw)
	if err != nil {
		return nil, fmt.Errorf("write telemetry: %w", err)
	}

	decision := o.gate.Evaluate(run.SpecID, run.ID, stage, raw, evidencePath)
	if _, err := o.storage.InsertGateDecision(decision); err != nil {
		return nil, fmt.Errorf("persist gate decision: %w", err)
	}
	return decision, nil
}

// runSequential executes the roster one agent at a time; each later agent
// sees the normalized output of everyone before it.
func (o *Orchestrator) runSequential(ctx context.Context, run *models.SpecRun, stage models.Stage, basePrompt string, roster []config.AgentConfig, events *evidence.EventLog, progress chan<- ProgressEvent) ([]*models.AgentInvocation, error) {
	var invocations []*models.AgentInvocation
	var prior strings.Builder

	for _, agent := range roster {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		prompt := basePrompt
		if prior.Len() > 0 {
			prompt += "\n\n## Output from earlier agents\n" + prior.String()
		}

		inv, err := o.executeAgent(ctx, run, stage, agent, prompt, events)
		if err != nil {
			return nil, err
		}
		invocations = append(invocations, inv)
		o.notify(progress, run, stage, agent.Name, string(inv.Status))

		if inv.Status == models.InvocationCompleted && inv.Result != nil && !inv.Result.Degraded {
			out, _ := json.Marshal(inv.Result.Fields)
			fmt.Fprintf(&prior, "### %s\n%s\n", agent.Name, out)
		}
	}
	return invocations, nil
}

// runParallel fans the roster out concurrently. The stage deadline is the
// slowest configured agent timeout plus a collection margin, so one stuck
// worker cannot wedge the stage.
func (o *Orchestrator) runParallel(ctx context.Context, run *models.SpecRun, stage models.Stage, prompt string, roster []config.AgentConfig, events *evidence.EventLog, progress chan<- ProgressEvent) ([]*models.AgentInvocation, error) {
	var maxTimeout time.Duration
	for _, agent := range roster {
		if agent.Timeout > maxTimeout {
			maxTimeout = agent.Timeout
		}
	}
	stageCtx, cancel := context.WithTimeout(ctx, maxTimeout+o.cfg.StageMargin)
	defer cancel()

	invocations := make([]*models.AgentInvocation, len(roster))
	errs := make([]error, len(roster))
	var wg sync.WaitGroup
	for i, agent := range roster {
		wg.Add(1)
		go func(i int, agent config.AgentConfig) {
			defer wg.Done()
			invocations[i], errs[i] = o.executeAgent(stageCtx, run, stage, agent, prompt, events)
			if errs[i] == nil {
				o.notify(progress, run, stage, agent.Name, string(invocations[i].Status))
			}
		}(i, agent)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return invocations, nil
}

// executeAgent records, runs, and finalizes one invocation. The record is
// created before spawn and finalized exactly once afterwards; the storage
// layer enforces the write-once terminal transition.
func (o *Orchestrator) executeAgent(ctx context.Context, run *models.SpecRun, stage models.Stage, agent config.AgentConfig, prompt string, events *evidence.EventLog) (*models.AgentInvocation, error) {
	now := time.Now().UTC()
	pending := &models.AgentInvocation{
		RunID:        run.ID,
		AgentName:    agent.Name,
		Stage:        stage,
		PromptDigest: supervisor.PromptDigest(prompt),
		Status:       models.InvocationRunning,
		StartedAt:    &now,
	}
	id, err := o.storage.CreateInvocation(pending)
	if err != nil {
		return nil, fmt.Errorf("create invocation: %w", err)
	}

	start := time.Now()
	final := o.runAgent(ctx, agent, stage, prompt)
	latency := time.Since(start).Milliseconds()

	final.ID = id
	final.RunID = run.ID
	if err := o.storage.UpdateInvocation(&final); err != nil {
		return nil, fmt.Errorf("finalize invocation: %w", err)
	}

	if err := events.Append(run.SpecID, run.ID, models.RoutingEvent{
		EventType: models.EventRouting,
		Role:      agent.Name,
		Mode:      agent.Model,
		Reason:    string(final.Status),
		LatencyMS: latency,
	}); err != nil {
		o.log.Warn("append routing event", "err", err)
	}
	return &final, nil
}

func (o *Orchestrator) buildPrompt(run *models.SpecRun, stage models.Stage, contextBlock string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are executing the %q stage for spec %q.\n\n", stage, run.SpecID)
	if contextBlock != "" {
		b.WriteString(contextBlock)
	}
	b.WriteString("Respond with a single JSON object describing your result. ")
	b.WriteString("Include every decision as a top-level field.\n")
	b.WriteString(stageInstructions(stage))
	return b.String()
}

func stageInstructions(stage models.Stage) string {
	switch stage {
	case models.StagePlan:
		return `Include "baseline" {"mode","artifact","status"} and "hooks" {"session.start"}.` + "\n"
	case models.StageTasks:
		return `Include "tool" {"status"}.` + "\n"
	case models.StageImplement:
		return `Include "lock_status" and "hook_status".` + "\n"
	case models.StageValidate, models.StageAudit:
		return `Include "scenarios": a non-empty array of {"name","status"} with status passed, failed, or skipped.` + "\n"
	case models.StageUnlock:
		return `Include "unlock_status".` + "\n"
	}
	return ""
}

// composeTelemetry builds the guardrail telemetry document for the stage:
// the common envelope plus the merged consensus fields. Conflicted keys that
// gained an arbiter verdict carry that verdict.
func (o *Orchestrator) composeTelemetry(run *models.SpecRun, stage models.Stage, sessionID string, artifact *models.ConsensusArtifact, invocations []*models.AgentInvocation, snapshotPath string) ([]byte, error) {
	doc := map[string]any{
		"command":        stage.GuardrailCommand(),
		"spec_id":        run.SpecID,
		"session_id":     sessionID,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"schema_version": telemetrySchemaVersion,
	}

	// Roster order decides merge precedence between agreeing agents.
	for _, inv := range invocations {
		if inv.Status != models.InvocationCompleted || inv.Result == nil || inv.Result.Degraded {
			continue
		}
		for key, value := range inv.Result.Fields {
			doc[key] = value
		}
	}
	if artifact.Arbiter != nil {
		// The verdict is a scalar decision: it settles conflicted string
		// fields, while structured fields keep their merged value so
		// required objects still satisfy the gate.
		for _, c := range artifact.Conflicts {
			if _, ok := doc[c.Key].(string); ok {
				doc[c.Key] = artifact.Arbiter.Verdict
			}
		}
	}

	var artifacts []map[string]any
	if snapshotPath != "" {
		artifacts = append(artifacts, map[string]any{"path": snapshotPath})
	}
	doc["artifacts"] = artifacts

	return json.MarshalIndent(doc, "", "  ")
}
