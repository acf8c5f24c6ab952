package repositories

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"foreman/pkg/models"
)

// StepRepo manages materialized step rows. Status moves are expressed as
// conditional updates scoped on id AND current status so that concurrent
// claimers race on RowsAffected instead of row locks.
type StepRepo struct {
	db DBTX
}

func NewStepRepo(db DBTX) *StepRepo {
	return &StepRepo{db: db}
}

// WithTx returns a copy of the repo scoped to the transaction.
func (r *StepRepo) WithTx(tx *sql.Tx) *StepRepo {
	return &StepRepo{db: tx}
}

const stepColumns = `id, run_id, step_id, agent_id, step_index, input_template, expects, type,
	loop_config, status, output, retry_count, max_retries, current_story_id, created_at, updated_at`

func (r *StepRepo) Insert(step *models.Step) error {
	var loopConfig interface{}
	if step.LoopConfig != nil {
		data, err := json.Marshal(step.LoopConfig)
		if err != nil {
			return fmt.Errorf("failed to marshal loop config: %w", err)
		}
		loopConfig = string(data)
	}

	_, err := r.db.Exec(
		`INSERT INTO steps (id, run_id, step_id, agent_id, step_index, input_template, expects, type,
			loop_config, status, retry_count, max_retries, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.StepID, step.AgentID, step.StepIndex, step.InputTemplate,
		step.Expects, step.Type, loopConfig, step.Status, step.RetryCount, step.MaxRetries,
		step.CreatedAt, step.UpdatedAt,
	)
	return err
}

func (r *StepRepo) Get(id string) (*models.Step, error) {
	row := r.db.QueryRow(`SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	return scanStep(row)
}

// GetByRunAndStepID resolves a step by its workflow-level step_id within a run.
func (r *StepRepo) GetByRunAndStepID(runID, stepID string) (*models.Step, error) {
	row := r.db.QueryRow(`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND step_id = ?`, runID, stepID)
	return scanStep(row)
}

func (r *StepRepo) ListByRun(runID string) ([]*models.Step, error) {
	rows, err := r.db.Query(`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY step_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

func (r *StepRepo) ListByRunAndStatus(runID, status string) ([]*models.Step, error) {
	rows, err := r.db.Query(
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND status = ? ORDER BY step_index`,
		runID, status,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

// FindClaimable returns the oldest run's lowest-index pending step for the
// agent, or sql.ErrNoRows. Only steps of running runs are eligible.
func (r *StepRepo) FindClaimable(agentID string) (*models.Step, error) {
	row := r.db.QueryRow(
		`SELECT `+prefixedStepColumns("s")+`
		 FROM steps s
		 JOIN runs r ON r.id = s.run_id
		 WHERE s.status = ? AND s.agent_id = ? AND r.status = ?
		 ORDER BY r.created_at, s.step_index
		 LIMIT 1`,
		models.StepStatusPending, agentID, models.RunStatusRunning,
	)
	return scanStep(row)
}

// CompareAndSetStatus is the sole claim admission mechanism: it succeeds for
// exactly one caller when several race on the same row.
func (r *StepRepo) CompareAndSetStatus(id, from, to string) (bool, error) {
	res, err := r.db.Exec(
		`UPDATE steps SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), id, from,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// UpdateStatus moves the step unconditionally; output is written when non-nil.
func (r *StepRepo) UpdateStatus(id, status string, output *string) error {
	now := time.Now().UTC()
	var err error
	if output != nil {
		_, err = r.db.Exec(`UPDATE steps SET status = ?, output = ?, updated_at = ? WHERE id = ?`, status, *output, now, id)
	} else {
		_, err = r.db.Exec(`UPDATE steps SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	}
	return err
}

func (r *StepRepo) SetCurrentStory(id string, storyID *string) error {
	_, err := r.db.Exec(`UPDATE steps SET current_story_id = ?, updated_at = ? WHERE id = ?`, storyID, time.Now().UTC(), id)
	return err
}

func (r *StepRepo) SetRetryCount(id string, retryCount int64) error {
	_, err := r.db.Exec(`UPDATE steps SET retry_count = ?, updated_at = ? WHERE id = ?`, retryCount, time.Now().UTC(), id)
	return err
}

// LowestWaiting returns the next step eligible for pipeline advancement.
func (r *StepRepo) LowestWaiting(runID string) (*models.Step, error) {
	row := r.db.QueryRow(
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND status = ? ORDER BY step_index LIMIT 1`,
		runID, models.StepStatusWaiting,
	)
	return scanStep(row)
}

func (r *StepRepo) CountByRunExcludingStatus(runID, status string) (int64, error) {
	var count int64
	err := r.db.QueryRow(`SELECT COUNT(*) FROM steps WHERE run_id = ? AND status != ?`, runID, status).Scan(&count)
	return count, err
}

func (r *StepRepo) CountByRunAndStatus(runID, status string) (int64, error) {
	var count int64
	err := r.db.QueryRow(`SELECT COUNT(*) FROM steps WHERE run_id = ? AND status = ?`, runID, status).Scan(&count)
	return count, err
}

// ListAbandoned returns running steps untouched since the cutoff.
func (r *StepRepo) ListAbandoned(cutoff time.Time) ([]*models.Step, error) {
	rows, err := r.db.Query(
		`SELECT `+stepColumns+` FROM steps WHERE status = ? AND updated_at < ?`,
		models.StepStatusRunning, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

// ListFailedRetryable returns failed steps with retries left, past the cooldown.
func (r *StepRepo) ListFailedRetryable(cutoff time.Time) ([]*models.Step, error) {
	rows, err := r.db.Query(
		`SELECT `+stepColumns+` FROM steps WHERE status = ? AND retry_count < max_retries AND updated_at < ?`,
		models.StepStatusFailed, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

func collectSteps(rows *sql.Rows) ([]*models.Step, error) {
	var steps []*models.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func prefixedStepColumns(alias string) string {
	return alias + `.id, ` + alias + `.run_id, ` + alias + `.step_id, ` + alias + `.agent_id, ` +
		alias + `.step_index, ` + alias + `.input_template, ` + alias + `.expects, ` + alias + `.type, ` +
		alias + `.loop_config, ` + alias + `.status, ` + alias + `.output, ` + alias + `.retry_count, ` +
		alias + `.max_retries, ` + alias + `.current_story_id, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func scanStep(row rowScanner) (*models.Step, error) {
	var step models.Step
	var loopConfig sql.NullString
	err := row.Scan(
		&step.ID, &step.RunID, &step.StepID, &step.AgentID, &step.StepIndex, &step.InputTemplate,
		&step.Expects, &step.Type, &loopConfig, &step.Status, &step.Output, &step.RetryCount,
		&step.MaxRetries, &step.CurrentStoryID, &step.CreatedAt, &step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if loopConfig.Valid && loopConfig.String != "" {
		var cfg models.LoopConfig
		if err := json.Unmarshal([]byte(loopConfig.String), &cfg); err == nil {
			step.LoopConfig = &cfg
		}
	}
	return &step, nil
}
