package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists analyses in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed analysis store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Record(ctx context.Context, a *Analysis) error {
	signals, err := json.Marshal(a.Signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}
	actions, err := json.Marshal(a.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO fraud_analyses
			(id, card_id, transaction_id, score, risk_level, signals,
			 recommended_actions, failed_closed, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.CardID, a.TransactionID, a.Score, string(a.Level),
		signals, actions, a.FailedClosed, a.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("insert fraud analysis: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListByCard(ctx context.Context, cardID string, limit int) ([]*Analysis, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, card_id, transaction_id, score, risk_level, signals,
		       recommended_actions, failed_closed, evaluated_at
		FROM fraud_analyses
		WHERE card_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, cardID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Analysis
	for rows.Next() {
		a := &Analysis{}
		var level string
		var signals, actions []byte
		if err := rows.Scan(&a.ID, &a.CardID, &a.TransactionID, &a.Score,
			&level, &signals, &actions, &a.FailedClosed, &a.EvaluatedAt); err != nil {
			return nil, err
		}
		a.Level = Level(level)
		if len(signals) > 0 {
			_ = json.Unmarshal(signals, &a.Signals)
		}
		if len(actions) > 0 {
			_ = json.Unmarshal(actions, &a.Actions)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
