package repositories

import (
	"database/sql"
	"time"

	"foreman/pkg/models"
)

type RunRepo struct {
	db DBTX
}

func NewRunRepo(db DBTX) *RunRepo {
	return &RunRepo{db: db}
}

// WithTx returns a copy of the repo scoped to the transaction.
func (r *RunRepo) WithTx(tx *sql.Tx) *RunRepo {
	return &RunRepo{db: tx}
}

// RunFilter narrows List results; zero values mean no filtering.
type RunFilter struct {
	TaskID string
	Status string
	UserID int64
}

const runColumns = `id, workflow_id, user_id, task_id, task, status, context, notify_url,
	awaiting_approval, awaiting_approval_since, created_at, updated_at, completed_at`

func (r *RunRepo) Insert(run *models.Run) error {
	ctxValue, err := run.Context.Value()
	if err != nil {
		return err
	}
	_, err = r.db.Exec(
		`INSERT INTO runs (id, workflow_id, user_id, task_id, task, status, context, notify_url,
			awaiting_approval, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.UserID, run.TaskID, run.Task, run.Status, ctxValue,
		run.NotifyURL, run.AwaitingApproval, run.CreatedAt, run.UpdatedAt,
	)
	return err
}

func (r *RunRepo) Get(id string) (*models.Run, error) {
	row := r.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

func (r *RunRepo) List(filter RunFilter) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []interface{}{}
	if filter.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.UserID != 0 {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateStatus moves the run to status, stamping completed_at on terminal states.
func (r *RunRepo) UpdateStatus(id, status string) error {
	now := time.Now().UTC()
	var completedAt interface{}
	if status == models.RunStatusCompleted || status == models.RunStatusFailed {
		completedAt = now
	}
	res, err := r.db.Exec(
		`UPDATE runs SET status = ?, completed_at = COALESCE(?, completed_at), updated_at = ? WHERE id = ?`,
		status, completedAt, now, id,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateContext replaces the run context with the merged map.
func (r *RunRepo) UpdateContext(id string, ctx models.JSONMap) error {
	value, err := ctx.Value()
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`UPDATE runs SET context = ?, updated_at = ? WHERE id = ?`, value, time.Now().UTC(), id)
	return err
}

// SetAwaitingApproval flips the run-level approval flag.
func (r *RunRepo) SetAwaitingApproval(id string, awaiting bool) error {
	now := time.Now().UTC()
	var since interface{}
	if awaiting {
		since = now
	}
	_, err := r.db.Exec(
		`UPDATE runs SET awaiting_approval = ?, awaiting_approval_since = ?, updated_at = ? WHERE id = ?`,
		awaiting, since, now, id,
	)
	return err
}

// ListTimedOut returns running runs untouched since the cutoff.
func (r *RunRepo) ListTimedOut(cutoff time.Time) ([]*models.Run, error) {
	return r.listByStatusBefore(models.RunStatusRunning, `updated_at`, cutoff)
}

// ListArchivable returns terminal runs whose completion predates the cutoff.
func (r *RunRepo) ListArchivable(cutoff time.Time) ([]*models.Run, error) {
	rows, err := r.db.Query(
		`SELECT `+runColumns+` FROM runs WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		models.RunStatusCompleted, models.RunStatusFailed, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// Delete removes the run; steps and stories cascade.
func (r *RunRepo) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	return err
}

func (r *RunRepo) listByStatusBefore(status, column string, cutoff time.Time) ([]*models.Run, error) {
	rows, err := r.db.Query(
		`SELECT `+runColumns+` FROM runs WHERE status = ? AND `+column+` < ?`,
		status, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]*models.Run, error) {
	var runs []*models.Run
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
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var ctxJSON string
	err := row.Scan(
		&run.ID, &run.WorkflowID, &run.UserID, &run.TaskID, &run.Task, &run.Status,
		&ctxJSON, &run.NotifyURL, &run.AwaitingApproval, &run.AwaitingApprovalSince,
		&run.CreatedAt, &run.UpdatedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := (&run.Context).Scan(ctxJSON); err != nil {
		return nil, err
	}
	return &run, nil
}
