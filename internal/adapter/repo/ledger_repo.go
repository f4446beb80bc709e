package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"meshforge/internal/domain"
)

// LedgerRepositoryPG implements domain.LedgerStore backed by PostgreSQL.
// Exactly-once semantics rest on the unique index over
// token_events.idempotency_key: two callers racing on the same key have
// exactly one insert winner, and the loser reads the winner's row.
type LedgerRepositoryPG struct {
	pool           *pgxpool.Pool
	defaultBalance int64
}

// NewLedgerRepository creates a ledger repository. defaultBalance seeds
// lazily created balance rows.
func NewLedgerRepository(pool *pgxpool.Pool, defaultBalance int64) *LedgerRepositoryPG {
	return &LedgerRepositoryPG{pool: pool, defaultBalance: defaultBalance}
}

// upsertBalanceQuery creates the balance row if missing and locks it for the
// rest of the transaction. The no-op DO UPDATE is what takes the row lock on
// the conflict path.
const upsertBalanceQuery = `
INSERT INTO user_balances (user_id, balance)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
RETURNING user_id, balance, created_at, updated_at;
`

// GetBalance returns the user's balance row, creating it with the default
// balance on first read.
func (r *LedgerRepositoryPG) GetBalance(ctx context.Context, userID string) (*domain.UserBalance, error) {
	row := r.pool.QueryRow(ctx, upsertBalanceQuery, userID, r.defaultBalance)
	var bal domain.UserBalance
	if err := row.Scan(&bal.UserID, &bal.Balance, &bal.CreatedAt, &bal.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &bal, nil
}

// ApplyEvent inserts ev and applies its delta in one transaction. A
// duplicate idempotency key returns the stored event without mutating
// anything; a delta the balance cannot cover returns ErrInsufficientCredits.
func (r *LedgerRepositoryPG) ApplyEvent(ctx context.Context, ev *domain.TokenEvent) (*domain.TokenEvent, bool, error) {
	if ev.IdempotencyKey != "" {
		if existing, err := r.FindEvent(ctx, ev.IdempotencyKey); err == nil {
			return existing, false, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, false, err
		}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("apply event: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var balance int64
	row := tx.QueryRow(ctx, upsertBalanceQuery, ev.UserID, r.defaultBalance)
	var discard domain.UserBalance
	if err := row.Scan(&discard.UserID, &balance, &discard.CreatedAt, &discard.UpdatedAt); err != nil {
		return nil, false, fmt.Errorf("apply event: lock balance: %w", err)
	}

	next := balance + ev.Delta
	if next < 0 {
		return nil, false, domain.ErrInsufficientCredits
	}

	metaJSON, err := json.Marshal(ev.Meta)
	if err != nil {
		return nil, false, fmt.Errorf("apply event: marshal meta: %w", err)
	}
	stored := *ev
	stored.ID = uuid.NewString()
	stored.BalanceAfter = next

	insertRow := tx.QueryRow(ctx, `
INSERT INTO token_events (id, user_id, job_id, reason, type, amount, delta, balance_after, source, idempotency_key, meta)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)
ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
RETURNING created_at;
`,
		stored.ID,
		stored.UserID,
		stored.JobID,
		stored.Reason,
		stored.Type,
		stored.Amount,
		stored.Delta,
		stored.BalanceAfter,
		stored.Source,
		stored.IdempotencyKey,
		metaJSON,
	)
	if err := insertRow.Scan(&stored.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// A concurrent caller won the insert between our fast-path check
			// and this statement. Their event is the recorded outcome.
			_ = tx.Rollback(ctx)
			existing, findErr := r.FindEvent(ctx, ev.IdempotencyKey)
			if findErr != nil {
				return nil, false, fmt.Errorf("apply event: read winning event: %w", findErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("apply event: insert: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE user_balances SET balance = $2, updated_at = NOW() WHERE user_id = $1;`, stored.UserID, next); err != nil {
		return nil, false, fmt.Errorf("apply event: update balance: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("apply event: commit: %w", err)
	}
	return &stored, true, nil
}

const selectEventColumns = `
SELECT id, user_id, COALESCE(job_id, ''), reason, type, amount, delta, balance_after, source, COALESCE(idempotency_key, ''), meta, created_at
FROM token_events
`

// FindEvent returns the event recorded under key, or ErrNotFound.
func (r *LedgerRepositoryPG) FindEvent(ctx context.Context, key string) (*domain.TokenEvent, error) {
	row := r.pool.QueryRow(ctx, selectEventColumns+`WHERE idempotency_key = $1;`, key)
	return scanTokenEvent(row)
}

// ListEvents returns the user's events, newest first.
func (r *LedgerRepositoryPG) ListEvents(ctx context.Context, userID string, limit int) ([]domain.TokenEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, selectEventColumns+`WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2;`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []domain.TokenEvent
	for rows.Next() {
		ev, err := scanTokenEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func scanTokenEvent(row pgx.Row) (*domain.TokenEvent, error) {
	var (
		ev       domain.TokenEvent
		metaJSON []byte
	)
	if err := row.Scan(
		&ev.ID,
		&ev.UserID,
		&ev.JobID,
		&ev.Reason,
		&ev.Type,
		&ev.Amount,
		&ev.Delta,
		&ev.BalanceAfter,
		&ev.Source,
		&ev.IdempotencyKey,
		&metaJSON,
		&ev.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan token event: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &ev.Meta); err != nil {
			return nil, fmt.Errorf("decode token event meta: %w", err)
		}
	}
	return &ev, nil
}

var _ domain.LedgerStore = (*LedgerRepositoryPG)(nil)
