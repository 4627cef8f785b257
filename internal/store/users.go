package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gabri117/libreria/internal/domain"
	"github.com/gabri117/libreria/internal/events"
)

const userColumns = `id, username, full_name, role, active, created_at`

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Role, &u.Active, &u.CreatedAt)
	return &u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := []domain.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return users, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, req *domain.CreateUserRequest) (*domain.User, error) {
	var u *domain.User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		u, err = scanUser(tx.QueryRowContext(ctx, `
			INSERT INTO users (username, full_name, role)
			VALUES ($1, $2, $3)
			RETURNING `+userColumns,
			req.Username, req.FullName, req.Role))
		if err != nil {
			if pqCode(err) == pqUniqueViolation {
				return ErrUsernameTaken
			}
			return fmt.Errorf("insert user: %w", err)
		}

		env, err := events.UserCreated(u)
		if err != nil {
			return err
		}
		return insertOutbox(ctx, tx, env)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// SetUserActive enables or disables an account. Disabled users keep their
// history but cannot open a cash session.
func (s *Store) SetUserActive(ctx context.Context, id int64, active bool) (*domain.User, error) {
	var u *domain.User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		u, err = scanUser(tx.QueryRowContext(ctx, `
			UPDATE users SET active = $1 WHERE id = $2
			RETURNING `+userColumns,
			active, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("update user: %w", err)
		}

		env, err := events.UserUpdated(u)
		if err != nil {
			return err
		}
		return insertOutbox(ctx, tx, env)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}
