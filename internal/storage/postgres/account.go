package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"

	"mp_watcher/internal/domain"
)

type AccountStore struct {
	db *sqlx.DB
}

func NewAccountStore(db *sqlx.DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) Create(ctx context.Context, account *domain.Account) (string, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO accounts (name, token, cookie) VALUES ($1, $2, $3) RETURNING id`,
		account.Name, account.Token, account.Cookie,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func (s *AccountStore) Resolve(ctx context.Context, accountID string) (*domain.Credential, error) {
	numID, err := parseID(accountID)
	if err != nil {
		return nil, err
	}

	var cred domain.Credential
	err = s.db.QueryRowContext(ctx,
		`SELECT token, cookie FROM accounts WHERE id = $1`, numID,
	).Scan(&cred.Token, &cred.Cookie)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s not found", accountID)
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}
