// Package gate evaluates guardrail telemetry against per-stage schema and
// policy rules, producing immutable pass/fail decisions.
package gate

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"specdrive/internal/config"
	"specdrive/internal/models"
)

// EvidenceMissingError reports that a stage produced no telemetry record at
// all, which is always blocking regardless of mode.
type EvidenceMissingError struct {
	SpecID string
	Stage  models.Stage
}

func (e *EvidenceMissingError) Error() string {
	return fmt.Sprintf("no guardrail telemetry recorded for spec %s stage %s", e.SpecID, e.Stage)
}

// Gate applies the two-phase check: structural parse first, then schema and
// policy. In strict mode parse and envelope failures block; in default mode
// they downgrade to advisories while required stage evidence still blocks.
type Gate struct {
	strictSchema    bool
	strictArtifacts bool
	log             *slog.Logger
}

func New(cfg *config.Config, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		strictSchema:    cfg.StrictSchema,
		strictArtifacts: cfg.StrictArtifacts,
		log:             log,
	}
}

// Evaluate renders a decision for one stage's telemetry. evidencePath is
// recorded on the decision so an operator can trace it back to the file.
func (g *Gate) Evaluate(specID string, runID int64, stage models.Stage, raw []byte, evidencePath string) *models.GateDecision {
	d := &models.GateDecision{
		RunID:        runID,
		SpecID:       specID,
		Stage:        stage,
		EvidencePath: evidencePath,
		RecordedAt:   time.Now().UTC(),
	}

	if len(raw) == 0 {
		d.Class = models.GateClassEvidence
		d.Violations = append(d.Violations, (&EvidenceMissingError{SpecID: specID, Stage: stage}).Error())
		return d
	}

	doc, err := ParseTelemetry(raw)
	if err != nil {
		// Phase one failure. Strict mode blocks on the parse error itself;
		// default mode carries it as an advisory but still fails the gate
		// because no stage evidence can be read from the document.
		if g.strictSchema {
			d.Class = models.GateClassParse
			d.Violations = append(d.Violations, err.Error())
		} else {
			d.Class = models.GateClassEvidence
			d.Advisories = append(d.Advisories, err.Error())
			d.Violations = append(d.Violations, "telemetry unreadable, stage evidence cannot be verified")
		}
		return d
	}

	envelope := EnvelopeViolations(stage, doc)
	artifacts := ArtifactViolations(stage, doc)
	if !g.strictArtifacts {
		// Relaxed artifact policy keeps the signal visible without
		// blocking the transition.
		d.Advisories = append(d.Advisories, artifacts...)
		artifacts = nil
	}
	if g.strictSchema {
		d.Violations = append(d.Violations, envelope...)
	} else {
		d.Advisories = append(d.Advisories, envelope...)
	}
	d.Violations = append(d.Violations, artifacts...)
	if len(d.Violations) > 0 {
		d.Class = models.GateClassSchema
	}

	// Required stage evidence blocks in every mode.
	if stageFailures := StageViolations(stage, doc); len(stageFailures) > 0 {
		d.Violations = append(d.Violations, stageFailures...)
		d.Class = models.GateClassEvidence
	}

	if policyFailures := policyViolations(stage, doc); len(policyFailures) > 0 {
		d.Violations = append(d.Violations, policyFailures...)
		d.Class = models.GateClassPolicy
	}

	if g.strictArtifacts {
		d.Violations = append(d.Violations, missingArtifactFiles(doc)...)
		if d.Class == "" && len(d.Violations) > 0 {
			d.Class = models.GateClassEvidence
		}
	}

	d.Pass = len(d.Violations) == 0
	if d.Pass {
		d.Class = ""
	}
	g.log.Debug("gate evaluated", "spec", specID, "stage", stage,
		"pass", d.Pass, "violations", len(d.Violations), "advisories", len(d.Advisories))
	return d
}

// policyViolations checks semantic outcomes inside otherwise well-formed
// telemetry: a present-but-failing status is a policy veto, not a schema
// problem.
func policyViolations(stage models.Stage, doc map[string]any) []string {
	var failures []string

	switch stage {
	case models.StageImplement:
		if v, ok := doc["lock_status"].(string); ok && v != "" && v != "locked" {
			failures = append(failures, fmt.Sprintf("lock_status is %q, expected locked", v))
		}
		if v, ok := doc["hook_status"].(string); ok && v != "" && v != "ok" && v != "active" {
			failures = append(failures, fmt.Sprintf("hook_status is %q", v))
		}
	case models.StageValidate, models.StageAudit:
		if arr, ok := doc["scenarios"].([]any); ok {
			for _, item := range arr {
				scenario, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if status, _ := scenario["status"].(string); status == "failed" {
					name, _ := scenario["name"].(string)
					failures = append(failures, fmt.Sprintf("scenario %q failed", name))
				}
			}
		}
	case models.StageUnlock:
		if v, ok := doc["unlock_status"].(string); ok && v != "" && v != "unlocked" {
			failures = append(failures, fmt.Sprintf("unlock_status is %q, expected unlocked", v))
		}
	}

	return failures
}

// missingArtifactFiles verifies that every artifact path the telemetry
// claims actually exists on disk.
func missingArtifactFiles(doc map[string]any) []string {
	arr, ok := doc["artifacts"].([]any)
	if !ok {
		return nil
	}
	var failures []string
	for _, item := range arr {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		path, _ := entry["path"].(string)
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			failures = append(failures, "artifact not found on disk: "+path)
		}
	}
	return failures
}

// ExitCode maps a decision to the process exit contract: 0 clean pass,
// 1 pass with advisory signals, 2 missing required evidence or a policy
// veto, 3 parse or schema failure under strict validation.
func ExitCode(d *models.GateDecision) int {
	if d == nil {
		return 2
	}
	if d.Pass {
		if len(d.Advisories) > 0 {
			return 1
		}
		return 0
	}
	switch d.Class {
	case models.GateClassParse, models.GateClassSchema:
		return 3
	default:
		return 2
	}
}
