package repositories

import (
	"time"

	"foreman/pkg/models"
)

type UserRepo struct {
	db DBTX
}

func NewUserRepo(db DBTX) *UserRepo {
	return &UserRepo{db: db}
}

func (r *UserRepo) Create(username string, isAdmin bool, apiKey *string) (*models.User, error) {
	now := time.Now().UTC()
	res, err := r.db.Exec(
		`INSERT INTO users (username, is_admin, api_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		username, isAdmin, apiKey, now, now,
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

func (r *UserRepo) GetByID(id int64) (*models.User, error) {
	return r.scanUser(`SELECT id, username, is_admin, api_key, created_at, updated_at FROM users WHERE id = ?`, id)
}

func (r *UserRepo) GetByUsername(username string) (*models.User, error) {
	return r.scanUser(`SELECT id, username, is_admin, api_key, created_at, updated_at FROM users WHERE username = ?`, username)
}

func (r *UserRepo) GetByAPIKey(apiKey string) (*models.User, error) {
	return r.scanUser(`SELECT id, username, is_admin, api_key, created_at, updated_at FROM users WHERE api_key = ?`, apiKey)
}

func (r *UserRepo) scanUser(query string, args ...interface{}) (*models.User, error) {
	var u models.User
	err := r.db.QueryRow(query, args...).Scan(&u.ID, &u.Username, &u.IsAdmin, &u.APIKey, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
