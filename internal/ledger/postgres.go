package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store on a pgx connection pool. Per-account
// serialization uses pg_advisory_xact_lock so independent provider jobs in
// separate processes still cannot interleave writes to one ledger.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

// Close closes the underlying pool.
func (ps *PostgresStore) Close() {
	ps.Pool.Close()
}

func (ps *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var a Account
	err := ps.Pool.QueryRow(queryCtx, `
		SELECT id, name, policy_id, current_balance, min_balance,
		       overdraft_enabled, overdraft_limit, overdraft_grace_days, overdraft_fee_percent
		FROM accounts
		WHERE id = $1
	`, id).Scan(
		&a.ID, &a.Name, &a.PolicyID, &a.CurrentBalance, &a.MinBalance,
		&a.OverdraftEnabled, &a.OverdraftLimit, &a.OverdraftGraceDays, &a.OverdraftFeePercent,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

func (ps *PostgresStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := ps.Pool.Query(queryCtx, `
		SELECT id, name, policy_id, current_balance, min_balance,
		       overdraft_enabled, overdraft_limit, overdraft_grace_days, overdraft_fee_percent
		FROM accounts
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		var a Account
		err := rows.Scan(
			&a.ID, &a.Name, &a.PolicyID, &a.CurrentBalance, &a.MinBalance,
			&a.OverdraftEnabled, &a.OverdraftLimit, &a.OverdraftGraceDays, &a.OverdraftFeePercent,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, &a)
	}
	return accounts, rows.Err()
}

func (ps *PostgresStore) UpdateAccountBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := ps.Pool.Exec(queryCtx, `
		UPDATE accounts SET current_balance = $2 WHERE id = $1
	`, id, balance)
	if err != nil {
		return &StoreError{Op: "update account balance", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &StoreError{Op: "update account balance", Err: ErrNotFound}
	}
	return nil
}

func (ps *PostgresStore) SetOverdraftEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := ps.Pool.Exec(queryCtx, `
		UPDATE accounts SET overdraft_enabled = $2 WHERE id = $1
	`, id, enabled)
	if err != nil {
		return &StoreError{Op: "set overdraft enabled", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &StoreError{Op: "set overdraft enabled", Err: ErrNotFound}
	}
	return nil
}

func (ps *PostgresStore) CardsByAccount(ctx context.Context, accountID uuid.UUID) ([]*Card, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := ps.Pool.Query(queryCtx, `
		SELECT c.id, c.account_id, c.active, c.block_reason, c.last_used_at,
		       COALESCE(e.provider, ''), COALESCE(e.external_id, '')
		FROM cards c
		LEFT JOIN card_external_ids e ON e.card_id = c.id
		WHERE c.account_id = $1
		ORDER BY c.id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards: %w", err)
	}
	defer rows.Close()

	return scanCards(rows)
}

func (ps *PostgresStore) CardByExternalID(ctx context.Context, providerName, externalID string) (*Card, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := ps.Pool.Query(queryCtx, `
		SELECT c.id, c.account_id, c.active, c.block_reason, c.last_used_at,
		       COALESCE(e.provider, ''), COALESCE(e.external_id, '')
		FROM cards c
		LEFT JOIN card_external_ids e ON e.card_id = c.id
		WHERE c.id = (
			SELECT card_id FROM card_external_ids
			WHERE provider = $1 AND external_id = $2
		)
	`, providerName, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query card: %w", err)
	}
	defer rows.Close()

	cards, err := scanCards(rows)
	if err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return nil, ErrNotFound
	}
	return cards[0], nil
}

func scanCards(rows pgx.Rows) ([]*Card, error) {
	byID := make(map[uuid.UUID]*Card)
	var order []uuid.UUID
	for rows.Next() {
		var (
			id         uuid.UUID
			accountID  uuid.UUID
			active     bool
			reason     string
			lastUsed   *time.Time
			provider   string
			externalID string
		)
		if err := rows.Scan(&id, &accountID, &active, &reason, &lastUsed, &provider, &externalID); err != nil {
			return nil, fmt.Errorf("failed to scan card: %w", err)
		}
		c, ok := byID[id]
		if !ok {
			c = &Card{
				ID:          id,
				AccountID:   accountID,
				Active:      active,
				BlockReason: BlockReason(reason),
				ExternalIDs: make(map[string]string),
			}
			if lastUsed != nil {
				c.LastUsedAt = *lastUsed
			}
			byID[id] = c
			order = append(order, id)
		}
		if provider != "" {
			c.ExternalIDs[provider] = externalID
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*Card, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

func (ps *PostgresStore) UpdateCardState(ctx context.Context, cardID uuid.UUID, active bool, reason BlockReason) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := ps.Pool.Exec(queryCtx, `
		UPDATE cards SET active = $2, block_reason = $3 WHERE id = $1
	`, cardID, active, string(reason))
	if err != nil {
		return &StoreError{Op: "update card state", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &StoreError{Op: "update card state", Err: ErrNotFound}
	}
	return nil
}

const transactionColumns = `
	id, account_id, card_id, provider, kind, occurred_at,
	product_ref, quantity, unit_price, tariff_id, fee_amount,
	total_amount, running_balance_after
`

func (ps *PostgresStore) TransactionsInWindow(ctx context.Context, accountID uuid.UUID, providerName string, from, to time.Time) ([]Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := ps.Pool.Query(queryCtx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = $1 AND provider = $2
		  AND occurred_at >= $3 AND occurred_at <= $4
		ORDER BY occurred_at ASC, id ASC
	`, accountID, providerName, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (ps *PostgresStore) TransactionsFrom(ctx context.Context, accountID uuid.UUID, from time.Time) ([]Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := ps.Pool.Query(queryCtx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at ASC, id ASC
	`, accountID, from)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (ps *PostgresStore) LastTransactionBefore(ctx context.Context, accountID uuid.UUID, before time.Time) (*Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := ps.Pool.Query(queryCtx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = $1 AND occurred_at < $2
		ORDER BY occurred_at DESC, id DESC
		LIMIT 1
	`, accountID, before)
	if err != nil {
		return nil, fmt.Errorf("failed to query baseline transaction: %w", err)
	}
	defer rows.Close()

	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func scanTransactions(rows pgx.Rows) ([]Transaction, error) {
	var out []Transaction
	for rows.Next() {
		var tx Transaction
		var kind string
		err := rows.Scan(
			&tx.ID, &tx.AccountID, &tx.CardID, &tx.Provider, &kind, &tx.OccurredAt,
			&tx.ProductRef, &tx.Quantity, &tx.UnitPrice, &tx.TariffID, &tx.FeeAmount,
			&tx.TotalAmount, &tx.RunningBalanceAfter,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Kind = TransactionKind(kind)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// InsertTransactions bulk-inserts matched or commission transactions inside
// one SERIALIZABLE transaction, retrying on serialization failures.
func (ps *PostgresStore) InsertTransactions(ctx context.Context, txs []Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	return ps.withSerializableRetry(ctx, "insert transactions", func(queryCtx context.Context, tx pgx.Tx) error {
		for i := range txs {
			_, err := tx.Exec(queryCtx, `
				INSERT INTO transactions (`+transactionColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			`, txs[i].ID, txs[i].AccountID, txs[i].CardID, txs[i].Provider, string(txs[i].Kind),
				txs[i].OccurredAt, txs[i].ProductRef, txs[i].Quantity, txs[i].UnitPrice,
				txs[i].TariffID, txs[i].FeeAmount, txs[i].TotalAmount, txs[i].RunningBalanceAfter)
			if err != nil {
				return fmt.Errorf("failed to insert transaction %s: %w", txs[i].ID, err)
			}
		}
		return nil
	})
}

func (ps *PostgresStore) DeleteTransactions(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return ps.withSerializableRetry(ctx, "delete transactions", func(queryCtx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(queryCtx, `DELETE FROM transactions WHERE id = ANY($1)`, ids)
		if err != nil {
			return fmt.Errorf("failed to delete transactions: %w", err)
		}
		return nil
	})
}

func (ps *PostgresStore) UpdateRunningBalances(ctx context.Context, updates []BalanceUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return ps.withSerializableRetry(ctx, "update running balances", func(queryCtx context.Context, tx pgx.Tx) error {
		for _, u := range updates {
			_, err := tx.Exec(queryCtx, `
				UPDATE transactions SET running_balance_after = $2 WHERE id = $1
			`, u.TransactionID, u.RunningBalanceAfter)
			if err != nil {
				return fmt.Errorf("failed to update running balance for %s: %w", u.TransactionID, err)
			}
		}
		return nil
	})
}

func (ps *PostgresStore) CommissionExistsOn(ctx context.Context, accountID uuid.UUID, day time.Time) (bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	d := Day(day)
	var exists bool
	err := ps.Pool.QueryRow(queryCtx, `
		SELECT EXISTS(
			SELECT 1 FROM transactions
			WHERE account_id = $1 AND kind = 'commission'
			  AND occurred_at >= $2 AND occurred_at < $3
		)
	`, accountID, d, d.AddDate(0, 0, 1)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check commission existence: %w", err)
	}
	return exists, nil
}

func (ps *PostgresStore) OpenOverdraftPeriod(ctx context.Context, p OverdraftPeriod) error {
	return ps.withSerializableRetry(ctx, "open overdraft period", func(queryCtx context.Context, tx pgx.Tx) error {
		var openExists bool
		err := tx.QueryRow(queryCtx, `
			SELECT EXISTS(
				SELECT 1 FROM overdraft_periods
				WHERE account_id = $1 AND end_date IS NULL
			)
		`, p.AccountID).Scan(&openExists)
		if err != nil {
			return fmt.Errorf("failed to check open period: %w", err)
		}
		if openExists {
			return ErrAlreadyOpen
		}

		_, err = tx.Exec(queryCtx, `
			INSERT INTO overdraft_periods (id, account_id, begin_date, grace_days, ceiling, end_date)
			VALUES ($1, $2, $3, $4, $5, NULL)
		`, p.ID, p.AccountID, p.BeginDate, p.GraceDays, p.Ceiling)
		if err != nil {
			return fmt.Errorf("failed to insert overdraft period: %w", err)
		}
		return nil
	})
}

func (ps *PostgresStore) CurrentOverdraftPeriod(ctx context.Context, accountID uuid.UUID) (*OverdraftPeriod, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var p OverdraftPeriod
	err := ps.Pool.QueryRow(queryCtx, `
		SELECT id, account_id, begin_date, grace_days, ceiling, end_date
		FROM overdraft_periods
		WHERE account_id = $1 AND end_date IS NULL
	`, accountID).Scan(&p.ID, &p.AccountID, &p.BeginDate, &p.GraceDays, &p.Ceiling, &p.EndDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open overdraft period: %w", err)
	}
	return &p, nil
}

func (ps *PostgresStore) CloseOverdraftPeriod(ctx context.Context, periodID uuid.UUID, end time.Time) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := ps.Pool.Exec(queryCtx, `
		UPDATE overdraft_periods SET end_date = $2 WHERE id = $1 AND end_date IS NULL
	`, periodID, Day(end))
	if err != nil {
		return &StoreError{Op: "close overdraft period", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &StoreError{Op: "close overdraft period", Err: ErrNotFound}
	}
	return nil
}

// WithAccountLock holds a transaction-scoped advisory lock on the account
// for the duration of fn. The lock key is derived from the account uuid, so
// two processes syncing different providers still serialize per account.
func (ps *PostgresStore) WithAccountLock(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context) error) error {
	conn, err := ps.Pool.Acquire(ctx)
	if err != nil {
		return &StoreError{Op: "acquire connection", Err: err}
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return &StoreError{Op: "begin lock transaction", Err: err}
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, accountID.String())
	if err != nil {
		return &StoreError{Op: "acquire account lock", Err: err}
	}

	if err := fn(ctx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return &StoreError{Op: "release account lock", Err: err}
	}
	return nil
}

// withSerializableRetry runs fn inside a SERIALIZABLE transaction, retrying
// up to three times on SQLSTATE 40001.
func (ps *PostgresStore) withSerializableRetry(ctx context.Context, op string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	const maxRetries = 3

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := ps.runSerializable(ctx, fn)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "40001" {
				// Serialization failure, retry
				if attempt == maxRetries-1 {
					return &StoreError{Op: op, Err: fmt.Errorf("after %d retries: %w", maxRetries, err)}
				}
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return &StoreError{Op: op, Err: err}
		}
		break
	}
	return nil
}

func (ps *PostgresStore) runSerializable(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	conn, err := ps.Pool.Acquire(queryCtx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if err := fn(queryCtx, tx); err != nil {
		return err
	}

	if err := tx.Commit(queryCtx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
