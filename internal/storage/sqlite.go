package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"specdrive/internal/models"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Writes are serialized per spec through the orchestrator's re-entry
	// guard; a single connection keeps sqlite happy under the remaining
	// cross-spec concurrency.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS spec_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		spec_id TEXT NOT NULL,
		current_stage TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'idle',
		degraded INTEGER NOT NULL DEFAULT 0,
		block_reason TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS invocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES spec_runs(id),
		agent_name TEXT NOT NULL,
		stage TEXT NOT NULL,
		prompt_digest TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		exit_code INTEGER,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		raw_output TEXT,
		stderr TEXT,
		result TEXT,
		err_text TEXT
	);

	CREATE TABLE IF NOT EXISTS consensus_artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES spec_runs(id),
		spec_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		version INTEGER NOT NULL,
		agreements TEXT,
		conflicts TEXT,
		missing_agents TEXT,
		synthesis TEXT,
		quorum_met INTEGER NOT NULL DEFAULT 1,
		degraded INTEGER NOT NULL DEFAULT 0,
		escalated INTEGER NOT NULL DEFAULT 0,
		arbiter TEXT,
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(spec_id, stage, version)
	);

	CREATE TABLE IF NOT EXISTS gate_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES spec_runs(id),
		spec_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		pass INTEGER NOT NULL,
		class TEXT NOT NULL DEFAULT '',
		violations TEXT,
		advisories TEXT,
		evidence_path TEXT,
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_spec_runs_spec ON spec_runs(spec_id);
	CREATE INDEX IF NOT EXISTS idx_invocations_run ON invocations(run_id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_spec_stage ON consensus_artifacts(spec_id, stage);
	CREATE INDEX IF NOT EXISTS idx_gates_spec_stage ON gate_decisions(spec_id, stage);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Runs

func (s *Storage) CreateRun(run *models.SpecRun) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO spec_runs (spec_id, current_stage, status) VALUES (?, ?, ?)`,
		run.SpecID, run.CurrentStage, run.Status,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) UpdateRun(run *models.SpecRun) error {
	_, err := s.db.Exec(
		`UPDATE spec_runs SET current_stage = ?, status = ?, degraded = ?, block_reason = ?, completed_at = ? WHERE id = ?`,
		run.CurrentStage, run.Status, run.Degraded, run.BlockReason, run.CompletedAt, run.ID,
	)
	return err
}

func (s *Storage) GetRun(id int64) (*models.SpecRun, error) {
	row := s.db.QueryRow(
		`SELECT id, spec_id, current_stage, status, degraded, block_reason, created_at, completed_at
		 FROM spec_runs WHERE id = ?`, id,
	)
	return scanRun(row)
}

// LatestRunForSpec returns the most recent run for a spec, or nil.
func (s *Storage) LatestRunForSpec(specID string) (*models.SpecRun, error) {
	row := s.db.QueryRow(
		`SELECT id, spec_id, current_stage, status, degraded, block_reason, created_at, completed_at
		 FROM spec_runs WHERE spec_id = ? ORDER BY id DESC LIMIT 1`, specID,
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *Storage) ListRuns(limit int) ([]*models.SpecRun, error) {
	rows, err := s.db.Query(
		`SELECT id, spec_id, current_stage, status, degraded, block_reason, created_at, completed_at
		 FROM spec_runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.SpecRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.SpecRun, error) {
	var run models.SpecRun
	var stage string
	var blockReason sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&run.ID, &run.SpecID, &stage, &run.Status, &run.Degraded,
		&blockReason, &run.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	run.CurrentStage = models.Stage(stage)
	if blockReason.Valid {
		run.BlockReason = blockReason.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

// Invocations

func (s *Storage) CreateInvocation(inv *models.AgentInvocation) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO invocations (run_id, agent_name, stage, prompt_digest, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		inv.RunID, inv.AgentName, inv.Stage, inv.PromptDigest, inv.Status, inv.StartedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// UpdateInvocation persists an invocation transition. Terminal states are
// write-once: updating a row that already reached one is rejected.
func (s *Storage) UpdateInvocation(inv *models.AgentInvocation) error {
	var resultJSON *string
	if inv.Result != nil {
		data, err := json.Marshal(inv.Result)
		if err != nil {
			return err
		}
		str := string(data)
		resultJSON = &str
	}

	res, err := s.db.Exec(
		`UPDATE invocations
		 SET status = ?, exit_code = ?, started_at = ?, completed_at = ?, raw_output = ?, stderr = ?, result = ?, err_text = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'timed_out')`,
		inv.Status, inv.ExitCode, inv.StartedAt, inv.CompletedAt,
		inv.RawOutput, inv.Stderr, resultJSON, inv.ErrText, inv.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("invocation %d already terminal", inv.ID)
	}
	return nil
}

func (s *Storage) GetInvocationsForRun(runID int64) ([]*models.AgentInvocation, error) {
	return s.queryInvocations(
		`SELECT id, run_id, agent_name, stage, prompt_digest, status, exit_code, started_at, completed_at, raw_output, stderr, result, err_text
		 FROM invocations WHERE run_id = ? ORDER BY id`, runID)
}

func (s *Storage) GetInvocationsForStage(runID int64, stage models.Stage) ([]*models.AgentInvocation, error) {
	return s.queryInvocations(
		`SELECT id, run_id, agent_name, stage, prompt_digest, status, exit_code, started_at, completed_at, raw_output, stderr, result, err_text
		 FROM invocations WHERE run_id = ? AND stage = ? ORDER BY id`, runID, stage)
}

func (s *Storage) queryInvocations(query string, args ...any) ([]*models.AgentInvocation, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invs []*models.AgentInvocation
	for rows.Next() {
		var inv models.AgentInvocation
		var stage string
		var exitCode sql.NullInt64
		var startedAt, completedAt sql.NullTime
		var rawOutput, stderr, resultJSON, errText sql.NullString

		err := rows.Scan(&inv.ID, &inv.RunID, &inv.AgentName, &stage, &inv.PromptDigest,
			&inv.Status, &exitCode, &startedAt, &completedAt, &rawOutput, &stderr, &resultJSON, &errText)
		if err != nil {
			return nil, err
		}
		inv.Stage = models.Stage(stage)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			inv.ExitCode = &code
		}
		if startedAt.Valid {
			inv.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			inv.CompletedAt = &completedAt.Time
		}
		if rawOutput.Valid {
			inv.RawOutput = rawOutput.String
		}
		if stderr.Valid {
			inv.Stderr = stderr.String
		}
		if errText.Valid {
			inv.ErrText = errText.String
		}
		if resultJSON.Valid {
			var payload models.Payload
			if err := json.Unmarshal([]byte(resultJSON.String), &payload); err == nil {
				inv.Result = &payload
			}
		}
		invs = append(invs, &inv)
	}
	return invs, rows.Err()
}

// Consensus artifacts

// InsertArtifact appends a new artifact version for (spec_id, stage) and
// returns it. Versions are never overwritten; the allocation happens inside
// one transaction so concurrent reruns cannot collide.
func (s *Storage) InsertArtifact(a *models.ConsensusArtifact) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(version), 0) + 1 FROM consensus_artifacts WHERE spec_id = ? AND stage = ?`,
		a.SpecID, a.Stage,
	).Scan(&version)
	if err != nil {
		return 0, err
	}

	agreements, _ := json.Marshal(a.Agreements)
	conflicts, _ := json.Marshal(a.Conflicts)
	missing, _ := json.Marshal(a.MissingAgents)
	var arbiterJSON *string
	if a.Arbiter != nil {
		data, err := json.Marshal(a.Arbiter)
		if err != nil {
			return 0, err
		}
		str := string(data)
		arbiterJSON = &str
	}

	res, err := tx.Exec(
		`INSERT INTO consensus_artifacts (run_id, spec_id, stage, version, agreements, conflicts, missing_agents, synthesis, quorum_met, degraded, escalated, arbiter, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.SpecID, a.Stage, version, string(agreements), string(conflicts),
		string(missing), a.Synthesis, a.QuorumMet, a.Degraded, a.Escalated, arbiterJSON, time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	a.ID = id
	a.Version = version
	return version, nil
}

// LatestArtifact returns the authoritative (highest-version) artifact for
// (spec_id, stage), or nil.
func (s *Storage) LatestArtifact(specID string, stage models.Stage) (*models.ConsensusArtifact, error) {
	row := s.db.QueryRow(
		`SELECT id, run_id, spec_id, stage, version, agreements, conflicts, missing_agents, synthesis, quorum_met, degraded, escalated, arbiter, recorded_at
		 FROM consensus_artifacts WHERE spec_id = ? AND stage = ? ORDER BY version DESC LIMIT 1`,
		specID, stage,
	)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *Storage) ListArtifacts(specID string, stage models.Stage) ([]*models.ConsensusArtifact, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, spec_id, stage, version, agreements, conflicts, missing_agents, synthesis, quorum_met, degraded, escalated, arbiter, recorded_at
		 FROM consensus_artifacts WHERE spec_id = ? AND stage = ? ORDER BY version`,
		specID, stage,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ConsensusArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArtifact(row rowScanner) (*models.ConsensusArtifact, error) {
	var a models.ConsensusArtifact
	var stage string
	var agreements, conflicts, missing, synthesis, arbiterJSON sql.NullString

	err := row.Scan(&a.ID, &a.RunID, &a.SpecID, &stage, &a.Version,
		&agreements, &conflicts, &missing, &synthesis, &a.QuorumMet, &a.Degraded,
		&a.Escalated, &arbiterJSON, &a.RecordedAt)
	if err != nil {
		return nil, err
	}
	a.Stage = models.Stage(stage)
	if agreements.Valid {
		json.Unmarshal([]byte(agreements.String), &a.Agreements)
	}
	if conflicts.Valid {
		json.Unmarshal([]byte(conflicts.String), &a.Conflicts)
	}
	if missing.Valid {
		json.Unmarshal([]byte(missing.String), &a.MissingAgents)
	}
	if synthesis.Valid {
		a.Synthesis = synthesis.String
	}
	if arbiterJSON.Valid {
		var v models.ArbiterVerdict
		if err := json.Unmarshal([]byte(arbiterJSON.String), &v); err == nil {
			a.Arbiter = &v
		}
	}
	return &a, nil
}

// Gate decisions

func (s *Storage) InsertGateDecision(d *models.GateDecision) (int64, error) {
	violations, _ := json.Marshal(d.Violations)
	advisories, _ := json.Marshal(d.Advisories)
	res, err := s.db.Exec(
		`INSERT INTO gate_decisions (run_id, spec_id, stage, pass, class, violations, advisories, evidence_path, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.RunID, d.SpecID, d.Stage, d.Pass, d.Class, string(violations), string(advisories),
		d.EvidencePath, time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestGateDecision returns the newest decision for (spec_id, stage), or
// nil. A failing decision blocks the stage until a newer passing one exists.
func (s *Storage) LatestGateDecision(specID string, stage models.Stage) (*models.GateDecision, error) {
	row := s.db.QueryRow(
		`SELECT id, run_id, spec_id, stage, pass, class, violations, advisories, evidence_path, recorded_at
		 FROM gate_decisions WHERE spec_id = ? AND stage = ? ORDER BY id DESC LIMIT 1`,
		specID, stage,
	)

	var d models.GateDecision
	var stageStr string
	var violations, advisories, evidencePath sql.NullString

	err := row.Scan(&d.ID, &d.RunID, &d.SpecID, &stageStr, &d.Pass, &d.Class,
		&violations, &advisories, &evidencePath, &d.RecordedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Stage = models.Stage(stageStr)
	if violations.Valid {
		json.Unmarshal([]byte(violations.String), &d.Violations)
	}
	if advisories.Valid {
		json.Unmarshal([]byte(advisories.String), &d.Advisories)
	}
	if evidencePath.Valid {
		d.EvidencePath = evidencePath.String
	}
	return &d, nil
}
