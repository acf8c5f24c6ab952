package repositories

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"foreman/pkg/models"
)

// WorkflowRepo manages workflow definition persistence. Step configs are
// stored as a JSON array in the steps column and parsed here, at the edge.
type WorkflowRepo struct {
	db DBTX
}

func NewWorkflowRepo(db DBTX) *WorkflowRepo {
	return &WorkflowRepo{db: db}
}

func (r *WorkflowRepo) Create(name string, description *string, steps []models.StepConfig) (*models.Workflow, error) {
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal steps: %w", err)
	}

	now := time.Now().UTC()
	res, err := r.db.Exec(
		`INSERT INTO workflows (name, description, steps, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		name, description, string(stepsJSON), now, now,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.GetByID(id)
}

func (r *WorkflowRepo) GetByID(id int64) (*models.Workflow, error) {
	return r.scanWorkflow(`SELECT id, name, description, steps, created_at, updated_at FROM workflows WHERE id = ?`, id)
}

func (r *WorkflowRepo) GetByName(name string) (*models.Workflow, error) {
	return r.scanWorkflow(`SELECT id, name, description, steps, created_at, updated_at FROM workflows WHERE name = ?`, name)
}

// List returns workflows, optionally filtered by exact name.
func (r *WorkflowRepo) List(name string) ([]*models.Workflow, error) {
	query := `SELECT id, name, description, steps, created_at, updated_at FROM workflows ORDER BY name`
	args := []interface{}{}
	if name != "" {
		query = `SELECT id, name, description, steps, created_at, updated_at FROM workflows WHERE name = ? ORDER BY name`
		args = append(args, name)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflowRow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (r *WorkflowRepo) Update(id int64, name string, description *string, steps []models.StepConfig) (*models.Workflow, error) {
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal steps: %w", err)
	}

	res, err := r.db.Exec(
		`UPDATE workflows SET name = ?, description = ?, steps = ?, updated_at = ? WHERE id = ?`,
		name, description, string(stepsJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, sql.ErrNoRows
	}
	return r.GetByID(id)
}

func (r *WorkflowRepo) Delete(id int64) error {
	res, err := r.db.Exec(`DELETE FROM workflows WHERE id = ?`, id)
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

// CountRunsByStatus returns how many runs of the workflow are in the status.
func (r *WorkflowRepo) CountRunsByStatus(id int64, status string) (int64, error) {
	var count int64
	err := r.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE workflow_id = ? AND status = ?`, id, status).Scan(&count)
	return count, err
}

func (r *WorkflowRepo) scanWorkflow(query string, args ...interface{}) (*models.Workflow, error) {
	row := r.db.QueryRow(query, args...)
	var wf models.Workflow
	var stepsJSON string
	if err := row.Scan(&wf.ID, &wf.Name, &wf.Description, &stepsJSON, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &wf.Steps); err != nil {
		return nil, fmt.Errorf("failed to parse steps for workflow %d: %w", wf.ID, err)
	}
	return &wf, nil
}

func scanWorkflowRow(rows *sql.Rows) (*models.Workflow, error) {
	var wf models.Workflow
	var stepsJSON string
	if err := rows.Scan(&wf.ID, &wf.Name, &wf.Description, &stepsJSON, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &wf.Steps); err != nil {
		return nil, fmt.Errorf("failed to parse steps for workflow %d: %w", wf.ID, err)
	}
	return &wf, nil
}
