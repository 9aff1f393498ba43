package iam

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/medrex/opd-queue/pkg/database"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/types"
)

const userColumns = `id, username, password_hash, role, subject_id, is_active, created_at, updated_at`

// UserRepository implements user persistence on Postgres
type UserRepository struct {
	db     *database.DB
	logger *logger.Logger
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *database.DB, log *logger.Logger) *UserRepository {
	return &UserRepository{
		db:     db,
		logger: log,
	}
}

// CreateUser inserts user; a taken username is a Conflict
func (r *UserRepository) CreateUser(ctx context.Context, user *types.User) error {
	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	start := time.Now()
	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.PasswordHash,
		user.Role,
		user.SubjectID,
		user.IsActive,
		user.CreatedAt,
		user.UpdatedAt,
	)
	r.db.Observe(ctx, "insert", "users", start, 1, err)

	if err != nil {
		if database.IsUniqueViolation(err, "") {
			return types.NewConflictError("USERNAME_EXISTS", "username already exists", map[string]interface{}{
				"username": user.Username,
			})
		}
		return database.Classify(err, "failed to create user")
	}

	r.logger.WithFields(map[string]interface{}{
		"user_id":  user.ID,
		"username": user.Username,
		"role":     user.Role,
	}).Info("User created successfully")
	return nil
}

// GetUserByUsername retrieves a user by username
func (r *UserRepository) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

// GetUserByID retrieves a user by ID
func (r *UserRepository) GetUserByID(ctx context.Context, id string) (*types.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *UserRepository) getOne(ctx context.Context, query string, arg string) (*types.User, error) {
	var user types.User

	start := time.Now()
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.Role,
		&user.SubjectID,
		&user.IsActive,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		r.db.Observe(ctx, "select", "users", start, 0, nil)
		return nil, types.NewNotFoundError("USER_NOT_FOUND", "user not found")
	}
	r.db.Observe(ctx, "select", "users", start, 1, err)
	if err != nil {
		return nil, database.Classify(err, "failed to get user")
	}

	return &user, nil
}

// MemoryUserRepository keeps users in process memory
type MemoryUserRepository struct {
	mu         sync.RWMutex
	byID       map[string]*types.User
	byUsername map[string]string
}

// NewMemoryUserRepository creates an empty in-memory user repository
func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		byID:       make(map[string]*types.User),
		byUsername: make(map[string]string),
	}
}

// CreateUser stores user; a taken username is a Conflict
func (r *MemoryUserRepository) CreateUser(ctx context.Context, user *types.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(user.Username)
	if _, exists := r.byUsername[key]; exists {
		return types.NewConflictError("USERNAME_EXISTS", "username already exists", map[string]interface{}{
			"username": user.Username,
		})
	}

	cp := *user
	r.byID[user.ID] = &cp
	r.byUsername[key] = user.ID
	return nil
}

// GetUserByUsername retrieves a user by username, ignoring case
func (r *MemoryUserRepository) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byUsername[strings.ToLower(username)]
	if !ok {
		return nil, types.NewNotFoundError("USER_NOT_FOUND", "user not found")
	}
	cp := *r.byID[id]
	return &cp, nil
}

// GetUserByID retrieves a user by ID
func (r *MemoryUserRepository) GetUserByID(ctx context.Context, id string) (*types.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.byID[id]
	if !ok {
		return nil, types.NewNotFoundError("USER_NOT_FOUND", "user not found")
	}
	cp := *user
	return &cp, nil
}
