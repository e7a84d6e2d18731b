package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/cardrail/internal/card"
	"github.com/mbd888/cardrail/internal/event"
)

// PostgresStore implements Store with PostgreSQL. Commit runs the card
// mutation and the record upserts in one transaction so a delivery can
// never leave a debit without its record.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Commit(ctx context.Context, acct *card.Account, recs ...*Record) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if acct != nil {
		res, err := tx.ExecContext(ctx, `
			UPDATE card_accounts SET
				balance = $1, held_balance = $2, last_synced_at = $3,
				version = version + 1, updated_at = NOW()
			WHERE id = $4 AND version = $5
		`, acct.Balance, acct.HeldBalance, acct.LastSyncedAt, acct.ID, acct.Version)
		if err != nil {
			return fmt.Errorf("update card balance: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return card.ErrVersionConflict
		}
	}

	for _, rec := range recs {
		meta, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO transaction_records
				(id, card_id, user_id, provider, external_event_id, kind, amount,
				 currency, status, processing_status, balance_before, balance_after,
				 related_transaction_id, authorization_code,
				 merchant_name, merchant_category, merchant_location,
				 metadata, provider_timestamp, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
				NULLIF($13, ''), $14, $15, $16, $17, $18, $19, NOW(), NOW())
			ON CONFLICT (provider, external_event_id) DO UPDATE SET
				kind = EXCLUDED.kind,
				amount = EXCLUDED.amount,
				status = EXCLUDED.status,
				processing_status = EXCLUDED.processing_status,
				balance_before = EXCLUDED.balance_before,
				balance_after = EXCLUDED.balance_after,
				related_transaction_id = EXCLUDED.related_transaction_id,
				metadata = EXCLUDED.metadata,
				updated_at = NOW()
		`, rec.ID, rec.CardID, rec.UserID, rec.Provider, rec.ExternalEventID,
			string(rec.Kind), rec.Amount, rec.Currency,
			string(rec.Status), string(rec.ProcessingStatus),
			rec.BalanceBefore, rec.BalanceAfter,
			rec.RelatedTransactionID, rec.AuthorizationCode,
			rec.Merchant.Name, rec.Merchant.Category, rec.Merchant.Location,
			meta, rec.ProviderTimestamp)
		if err != nil {
			return fmt.Errorf("upsert transaction record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if acct != nil {
		acct.Version++
	}
	return nil
}

const recordColumns = `
	id, card_id, user_id, provider, external_event_id, kind, amount,
	currency, status, processing_status, balance_before, balance_after,
	COALESCE(related_transaction_id, ''), authorization_code,
	merchant_name, merchant_category, merchant_location,
	metadata, provider_timestamp, created_at, updated_at`

type recordScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row recordScanner) (*Record, error) {
	rec := &Record{}
	var kind, status, procStatus string
	var meta []byte
	err := row.Scan(&rec.ID, &rec.CardID, &rec.UserID, &rec.Provider,
		&rec.ExternalEventID, &kind, &rec.Amount, &rec.Currency,
		&status, &procStatus, &rec.BalanceBefore, &rec.BalanceAfter,
		&rec.RelatedTransactionID, &rec.AuthorizationCode,
		&rec.Merchant.Name, &rec.Merchant.Category, &rec.Merchant.Location,
		&meta, &rec.ProviderTimestamp, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Kind = event.Kind(kind)
	rec.Status = Status(status)
	rec.ProcessingStatus = ProcessingStatus(procStatus)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &rec.Metadata)
	}
	return rec, nil
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM transaction_records WHERE id = $1`, id)
	return scanRecord(row)
}

func (p *PostgresStore) GetByEventID(ctx context.Context, provider, externalEventID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM transaction_records
		 WHERE provider = $1 AND external_event_id = $2`, provider, externalEventID)
	return scanRecord(row)
}

func (p *PostgresStore) ListByCard(ctx context.Context, cardID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM transaction_records
		 WHERE card_id = $1 ORDER BY created_at DESC LIMIT $2`, cardID, limit)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (p *PostgresStore) ListByCardSince(ctx context.Context, cardID string, since time.Time) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM transaction_records
		 WHERE card_id = $1 AND created_at >= $2 ORDER BY created_at DESC`, cardID, since)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	defer func() { _ = rows.Close() }()
	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SumSpendSince(ctx context.Context, cardID string, since time.Time) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transaction_records
		WHERE card_id = $1
		  AND created_at >= $2
		  AND kind IN ('authorization', 'clearing', 'settlement')
		  AND status IN ('pending', 'completed')
	`, cardID, since).Scan(&total)
	return total, err
}

func (p *PostgresStore) MaxAmountByCard(ctx context.Context, cardID string) (int64, error) {
	var max int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(amount), 0) FROM transaction_records
		WHERE card_id = $1
		  AND kind IN ('authorization', 'clearing', 'settlement')
		  AND processing_status = 'settled'
	`, cardID).Scan(&max)
	return max, err
}
