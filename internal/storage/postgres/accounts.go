package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/KashCal/KashCal-sub000/internal/storage"
)

func (s *Store) CreateAccount(ctx context.Context, a *storage.Account) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (provider, email, display_name, principal_url, home_set_url, is_enabled)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		a.Provider, a.Email, a.DisplayName, a.PrincipalURL, a.HomeSetURL, a.IsEnabled).Scan(&id)
	return id, err
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*storage.Account, error) {
	a := &storage.Account{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, provider, email, display_name, principal_url, home_set_url, is_enabled
		FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Provider, &a.Email, &a.DisplayName, &a.PrincipalURL, &a.HomeSetURL, &a.IsEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *Store) GetAccountByIdentity(ctx context.Context, provider storage.Provider, email, normalizedHomeSetURL string) (*storage.Account, error) {
	a := &storage.Account{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, provider, email, display_name, principal_url, home_set_url, is_enabled
		FROM accounts WHERE provider = $1 AND email = $2 AND home_set_url = $3`,
		provider, email, normalizedHomeSetURL).
		Scan(&a.ID, &a.Provider, &a.Email, &a.DisplayName, &a.PrincipalURL, &a.HomeSetURL, &a.IsEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *Store) ListAccounts(ctx context.Context) ([]*storage.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, provider, email, display_name, principal_url, home_set_url, is_enabled FROM accounts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Account
	for rows.Next() {
		a := &storage.Account{}
		if err := rows.Scan(&a.ID, &a.Provider, &a.Email, &a.DisplayName, &a.PrincipalURL, &a.HomeSetURL, &a.IsEnabled); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	return err
}
