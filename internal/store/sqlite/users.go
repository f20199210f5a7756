package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/store"
)

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var (
		user      domain.UserAccount
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at FROM app_users WHERE username = ?
	`, strings.ToLower(strings.TrimSpace(username))).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = fromMillis(createdAt)
	return &user, nil
}

func (s *Store) PutUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return fmt.Errorf("username and password are required")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	now := toMillis(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (username)
		DO UPDATE SET password = excluded.password, role = excluded.role,
		              active = excluded.active, updated_at = excluded.updated_at
	`, user.Username, user.Password, user.Role, user.Active, toMillis(user.CreatedAt), now)
	return err
}
