package repositories

import (
	"database/sql"
	"time"

	"foreman/pkg/models"
)

type StoryRepo struct {
	db DBTX
}

func NewStoryRepo(db DBTX) *StoryRepo {
	return &StoryRepo{db: db}
}

// WithTx returns a copy of the repo scoped to the transaction.
func (r *StoryRepo) WithTx(tx *sql.Tx) *StoryRepo {
	return &StoryRepo{db: tx}
}

const storyColumns = `id, run_id, story_index, story_id, title, description, acceptance_criteria,
	status, output, retry_count, max_retries, created_at, updated_at`

func (r *StoryRepo) Insert(story *models.Story) error {
	_, err := r.db.Exec(
		`INSERT INTO stories (id, run_id, story_index, story_id, title, description, acceptance_criteria,
			status, retry_count, max_retries, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		story.ID, story.RunID, story.StoryIndex, story.StoryID, story.Title, story.Description,
		story.AcceptanceCriteria, story.Status, story.RetryCount, story.MaxRetries,
		story.CreatedAt, story.UpdatedAt,
	)
	return err
}

func (r *StoryRepo) Get(id string) (*models.Story, error) {
	row := r.db.QueryRow(`SELECT `+storyColumns+` FROM stories WHERE id = ?`, id)
	return scanStory(row)
}

// GetByStoryID resolves a story by its author-chosen identifier within a run.
func (r *StoryRepo) GetByStoryID(runID, storyID string) (*models.Story, error) {
	row := r.db.QueryRow(`SELECT `+storyColumns+` FROM stories WHERE run_id = ? AND story_id = ?`, runID, storyID)
	return scanStory(row)
}

func (r *StoryRepo) ListByRun(runID string) ([]*models.Story, error) {
	rows, err := r.db.Query(`SELECT `+storyColumns+` FROM stories WHERE run_id = ? ORDER BY story_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStories(rows)
}

// FindNextPending returns the lowest-index pending story, or sql.ErrNoRows.
func (r *StoryRepo) FindNextPending(runID string) (*models.Story, error) {
	row := r.db.QueryRow(
		`SELECT `+storyColumns+` FROM stories WHERE run_id = ? AND status = ? ORDER BY story_index LIMIT 1`,
		runID, models.StoryStatusPending,
	)
	return scanStory(row)
}

// CompareAndSetStatus mirrors the step claim CAS for story admission.
func (r *StoryRepo) CompareAndSetStatus(id, from, to string) (bool, error) {
	res, err := r.db.Exec(
		`UPDATE stories SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
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

func (r *StoryRepo) UpdateStatus(id, status string, output *string) error {
	now := time.Now().UTC()
	var err error
	if output != nil {
		_, err = r.db.Exec(`UPDATE stories SET status = ?, output = ?, updated_at = ? WHERE id = ?`, status, *output, now, id)
	} else {
		_, err = r.db.Exec(`UPDATE stories SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	}
	return err
}

func (r *StoryRepo) SetRetryCount(id string, retryCount int64) error {
	_, err := r.db.Exec(`UPDATE stories SET retry_count = ?, updated_at = ? WHERE id = ?`, retryCount, time.Now().UTC(), id)
	return err
}

func (r *StoryRepo) CountByRun(runID string) (int64, error) {
	var count int64
	err := r.db.QueryRow(`SELECT COUNT(*) FROM stories WHERE run_id = ?`, runID).Scan(&count)
	return count, err
}

// CountUnfinished counts stories not yet in a terminal completed state.
// Failed stories count as unfinished; they block loop completion until
// escalation fails the run.
func (r *StoryRepo) CountUnfinished(runID string) (int64, error) {
	var count int64
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM stories WHERE run_id = ? AND status != ?`,
		runID, models.StoryStatusCompleted,
	).Scan(&count)
	return count, err
}

func collectStories(rows *sql.Rows) ([]*models.Story, error) {
	var stories []*models.Story
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		stories = append(stories, story)
	}
	return stories, rows.Err()
}

func scanStory(row rowScanner) (*models.Story, error) {
	var story models.Story
	err := row.Scan(
		&story.ID, &story.RunID, &story.StoryIndex, &story.StoryID, &story.Title,
		&story.Description, &story.AcceptanceCriteria, &story.Status, &story.Output,
		&story.RetryCount, &story.MaxRetries, &story.CreatedAt, &story.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &story, nil
}
