package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/KashCal/KashCal-sub000/internal/storage"
)

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) CreateAccount(ctx context.Context, a *storage.Account) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (provider, email, display_name, principal_url, home_set_url, is_enabled)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.Provider, a.Email, a.DisplayName, a.PrincipalURL, a.HomeSetURL, boolToInt(a.IsEnabled))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanAccount(row *sql.Row) (*storage.Account, error) {
	a := &storage.Account{}
	var enabled int
	if err := row.Scan(&a.ID, &a.Provider, &a.Email, &a.DisplayName, &a.PrincipalURL, &a.HomeSetURL, &enabled); err != nil {
		return nil, err
	}
	a.IsEnabled = enabled != 0
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*storage.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, email, display_name, principal_url, home_set_url, is_enabled
		FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *Store) GetAccountByIdentity(ctx context.Context, provider storage.Provider, email, normalizedHomeSetURL string) (*storage.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, email, display_name, principal_url, home_set_url, is_enabled
		FROM accounts WHERE provider = ? AND email = ? AND home_set_url = ?`,
		provider, email, normalizedHomeSetURL)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *Store) ListAccounts(ctx context.Context) ([]*storage.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, email, display_name, principal_url, home_set_url, is_enabled FROM accounts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Account
	for rows.Next() {
		a := &storage.Account{}
		var enabled int
		if err := rows.Scan(&a.ID, &a.Provider, &a.Email, &a.DisplayName, &a.PrincipalURL, &a.HomeSetURL, &enabled); err != nil {
			return nil, err
		}
		a.IsEnabled = enabled != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	return err
}
