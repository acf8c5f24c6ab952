package repositories

import (
	"database/sql"

	"foreman/internal/db"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so every repository method
// can run standalone or inside a caller-owned transaction.
type DBTX interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

type Repositories struct {
	Users     *UserRepo
	Workflows *WorkflowRepo
	Runs      *RunRepo
	Steps     *StepRepo
	Stories   *StoryRepo
	db        db.Database // Store reference to database for transactions
}

func New(database db.Database) *Repositories {
	conn := database.Conn()

	return &Repositories{
		Users:     NewUserRepo(conn),
		Workflows: NewWorkflowRepo(conn),
		Runs:      NewRunRepo(conn),
		Steps:     NewStepRepo(conn),
		Stories:   NewStoryRepo(conn),
		db:        database,
	}
}

// BeginTx starts a database transaction
func (r *Repositories) BeginTx() (*sql.Tx, error) {
	return r.db.Conn().Begin()
}
