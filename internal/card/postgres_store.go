package card

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. The version column gives
// optimistic concurrency across server instances: Update compares-and-bumps
// it in a single statement.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed card store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, acct *Account) error {
	if acct.Flags == nil {
		acct.Flags = make(FlagSet)
	}
	now := time.Now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO card_accounts
			(id, user_id, provider, external_id, balance, held_balance, currency,
			 limit_per_transaction, limit_daily, limit_monthly,
			 status, compliance_flags, version, last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $14, $14)
	`, acct.ID, acct.UserID, acct.Provider, acct.ExternalID,
		acct.Balance, acct.HeldBalance, acct.Currency,
		acct.Limits.PerTransaction, acct.Limits.Daily, acct.Limits.Monthly,
		string(acct.Status), pq.Array(acct.Flags.List()), acct.LastSyncedAt, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert card account: %w", err)
	}
	acct.Version = 1
	return nil
}

const cardColumns = `
	id, user_id, provider, external_id, balance, held_balance, currency,
	limit_per_transaction, limit_daily, limit_monthly,
	status, compliance_flags, version, last_synced_at, created_at, updated_at`

func (p *PostgresStore) scanAccount(row *sql.Row) (*Account, error) {
	acct := &Account{}
	var status string
	var flags []string
	err := row.Scan(&acct.ID, &acct.UserID, &acct.Provider, &acct.ExternalID,
		&acct.Balance, &acct.HeldBalance, &acct.Currency,
		&acct.Limits.PerTransaction, &acct.Limits.Daily, &acct.Limits.Monthly,
		&status, pq.Array(&flags), &acct.Version,
		&acct.LastSyncedAt, &acct.CreatedAt, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acct.Status = Status(status)
	acct.Flags = ParseFlags(flags)
	return acct, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM card_accounts WHERE id = $1`, id)
	return p.scanAccount(row)
}

func (p *PostgresStore) GetByExternalID(ctx context.Context, provider, externalID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM card_accounts WHERE provider = $1 AND external_id = $2`,
		provider, externalID)
	return p.scanAccount(row)
}

// Update writes the account back, guarded by the version the caller read.
// Zero rows affected means another writer got there first.
func (p *PostgresStore) Update(ctx context.Context, acct *Account) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE card_accounts SET
			balance = $1, held_balance = $2, status = $3, compliance_flags = $4,
			limit_per_transaction = $5, limit_daily = $6, limit_monthly = $7,
			last_synced_at = $8, version = version + 1, updated_at = NOW()
		WHERE id = $9 AND version = $10
	`, acct.Balance, acct.HeldBalance, string(acct.Status), pq.Array(acct.Flags.List()),
		acct.Limits.PerTransaction, acct.Limits.Daily, acct.Limits.Monthly,
		acct.LastSyncedAt, acct.ID, acct.Version)
	if err != nil {
		return fmt.Errorf("update card account: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a stale version from a missing row.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM card_accounts WHERE id = $1)`, acct.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	acct.Version++
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM card_accounts WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Account
	for rows.Next() {
		acct := &Account{}
		var status string
		var flags []string
		if err := rows.Scan(&acct.ID, &acct.UserID, &acct.Provider, &acct.ExternalID,
			&acct.Balance, &acct.HeldBalance, &acct.Currency,
			&acct.Limits.PerTransaction, &acct.Limits.Daily, &acct.Limits.Monthly,
			&status, pq.Array(&flags), &acct.Version,
			&acct.LastSyncedAt, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
			return nil, err
		}
		acct.Status = Status(status)
		acct.Flags = ParseFlags(flags)
		result = append(result, acct)
	}
	return result, rows.Err()
}
