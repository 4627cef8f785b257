package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gabri117/libreria/internal/domain"
	"github.com/gabri117/libreria/internal/events"
	"github.com/shopspring/decimal"
)

var ErrSessionAlreadyClosed = errors.New("cash session is already closed")

const sessionColumns = `id, opened_by, opened_at, opening_amount, closed_by, closed_at,
	expected_amount, counted_amount, difference, status`

func scanSession(row rowScanner) (*domain.CashSession, error) {
	var (
		cs       domain.CashSession
		closedBy sql.NullInt64
		closedAt sql.NullTime
	)
	err := row.Scan(
		&cs.ID,
		&cs.OpenedBy,
		&cs.OpenedAt,
		&cs.OpeningAmount,
		&closedBy,
		&closedAt,
		&cs.ExpectedAmount,
		&cs.CountedAmount,
		&cs.Difference,
		&cs.Status,
	)
	if err != nil {
		return nil, err
	}
	if closedBy.Valid {
		cs.ClosedBy = &closedBy.Int64
	}
	if closedAt.Valid {
		cs.ClosedAt = &closedAt.Time
	}
	return &cs, nil
}

func cashSalesTotal(ctx context.Context, q querier, sessionID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total), 0) FROM sales
		WHERE session_id = $1 AND status = $2 AND payment_method = $3`,
		sessionID, domain.SaleStatusCompleted, domain.PaymentCash).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum cash sales: %w", err)
	}
	return total, nil
}

// withLiveExpected fills the running expected amount of an open session.
func withLiveExpected(ctx context.Context, q querier, cs *domain.CashSession) error {
	if !cs.IsOpen() {
		return nil
	}
	cash, err := cashSalesTotal(ctx, q, cs.ID)
	if err != nil {
		return err
	}
	cs.ExpectedAmount = decimal.NewNullDecimal(cs.Expected(cash))
	return nil
}

// GetActiveSession returns the user's open session or ErrSessionNotFound.
func (s *Store) GetActiveSession(ctx context.Context, userID int64) (*domain.CashSession, error) {
	cs, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM cash_sessions WHERE opened_by = $1 AND status = $2`,
		userID, domain.SessionStatusOpen))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query active session: %w", err)
	}
	if err := withLiveExpected(ctx, s.db, cs); err != nil {
		return nil, err
	}
	return cs, nil
}

func (s *Store) GetSession(ctx context.Context, id int64) (*domain.CashSession, error) {
	cs, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM cash_sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if err := withLiveExpected(ctx, s.db, cs); err != nil {
		return nil, err
	}
	return cs, nil
}

func (s *Store) OpenSession(ctx context.Context, req *domain.OpenSessionRequest) (*domain.CashSession, error) {
	var cs *domain.CashSession
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var active bool
		err := tx.QueryRowContext(ctx, `SELECT active FROM users WHERE id = $1`, req.UserID).Scan(&active)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("query user: %w", err)
		}
		if !active {
			return ErrInactiveUser
		}

		cs, err = scanSession(tx.QueryRowContext(ctx, `
			INSERT INTO cash_sessions (opened_by, opening_amount, status)
			VALUES ($1, $2, $3)
			RETURNING `+sessionColumns,
			req.UserID, req.OpeningAmount, domain.SessionStatusOpen))
		if err != nil {
			switch pqCode(err) {
			case pqUniqueViolation:
				return ErrSessionAlreadyOpen
			case pqForeignKeyViolation:
				return ErrUserNotFound
			}
			return fmt.Errorf("insert session: %w", err)
		}
		cs.ExpectedAmount = decimal.NewNullDecimal(cs.OpeningAmount)

		env, err := events.SessionOpened(cs)
		if err != nil {
			return err
		}
		return insertOutbox(ctx, tx, env)
	})
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// CloseSession freezes the expected amount from completed cash sales and
// records the counted amount and the difference.
func (s *Store) CloseSession(ctx context.Context, id int64, req *domain.CloseSessionRequest) (*domain.CashSession, error) {
	var cs *domain.CashSession
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		cs, err = scanSession(tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM cash_sessions WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}

		cash, err := cashSalesTotal(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := cs.Close(req.UserID, req.CountedAmount, cash, time.Now().UTC()); err != nil {
			if errors.Is(err, domain.ErrSessionNotOpen) {
				return ErrSessionAlreadyClosed
			}
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE cash_sessions
			SET closed_by = $1, closed_at = $2, expected_amount = $3,
			    counted_amount = $4, difference = $5, status = $6
			WHERE id = $7`,
			*cs.ClosedBy, *cs.ClosedAt, cs.ExpectedAmount, cs.CountedAmount, cs.Difference, cs.Status, id)
		if err != nil {
			if pqCode(err) == pqForeignKeyViolation {
				return ErrUserNotFound
			}
			return fmt.Errorf("close session: %w", err)
		}

		env, err := events.SessionClosed(cs)
		if err != nil {
			return err
		}
		return insertOutbox(ctx, tx, env)
	})
	if err != nil {
		return nil, err
	}
	return cs, nil
}
