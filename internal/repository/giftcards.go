package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
	"github.com/mmeshcher/checkout-settlement/internal/model"
)

// GetGiftCard возвращает подарочную карту по коду.
func (r *PostgresRepository) GetGiftCard(ctx context.Context, code string) (*model.GiftCard, error) {
	var (
		g       model.GiftCard
		initial int64
		balance int64
	)
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`SELECT code, initial_amount, current_balance, is_active, expires_at
			 FROM gift_cards WHERE code = $1`,
			model.NormalizeGiftCardCode(code),
		).Scan(&g.Code, &initial, &balance, &g.IsActive, &g.ExpiresAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrGiftCardNotFound
		}
		return nil, fmt.Errorf("get gift card: %w", err)
	}

	g.InitialAmount = fromCents(initial)
	g.CurrentBalance = fromCents(balance)
	return &g, nil
}

// UpsertGiftCard создаёт подарочную карту; баланс существующей карты не меняется.
func (r *PostgresRepository) UpsertGiftCard(ctx context.Context, g model.GiftCard) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO gift_cards (code, initial_amount, current_balance, is_active, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (code) DO UPDATE
		 SET is_active = EXCLUDED.is_active, expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
		model.NormalizeGiftCardCode(g.Code), toCents(g.InitialAmount), toCents(g.CurrentBalance),
		g.IsActive, g.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert gift card: %w", err)
	}
	return nil
}

// DebitGiftCard списывает amount с баланса, только если balance >= amount.
// Возвращает false, если условие не выполнено. Повтор для того же checkoutID идемпотентен.
func (r *PostgresRepository) DebitGiftCard(ctx context.Context, checkoutID, code string, amount decimal.Decimal) (bool, error) {
	code = model.NormalizeGiftCardCode(code)
	cents := toCents(amount)
	if cents <= 0 {
		return false, apperr.Validation("debit amount must be positive")
	}

	var ok bool
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		ok = false

		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM gift_card_debits WHERE checkout_id = $1 AND card_code = $2)`,
			checkoutID, code,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check debit: %w", err)
		}
		if exists {
			ok = true
			return nil
		}

		tag, err := tx.Exec(ctx,
			`UPDATE gift_cards SET current_balance = current_balance - $2, updated_at = NOW()
			 WHERE code = $1 AND is_active AND current_balance >= $2`,
			code, cents,
		)
		if err != nil {
			return fmt.Errorf("debit gift card: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO gift_card_debits (checkout_id, card_code, amount) VALUES ($1, $2, $3)`,
			checkoutID, code, cents,
		); err != nil {
			return fmt.Errorf("insert debit: %w", err)
		}

		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// RefundGiftCard возвращает на карту сумму, списанную для checkoutID.
// Используется только для компенсации незавершённого заказа.
func (r *PostgresRepository) RefundGiftCard(ctx context.Context, checkoutID, code string) error {
	code = model.NormalizeGiftCardCode(code)

	return r.withTx(ctx, func(tx pgx.Tx) error {
		var cents int64
		err := tx.QueryRow(ctx,
			`DELETE FROM gift_card_debits WHERE checkout_id = $1 AND card_code = $2 RETURNING amount`,
			checkoutID, code,
		).Scan(&cents)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("delete debit: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE gift_cards SET current_balance = current_balance + $2, updated_at = NOW()
			 WHERE code = $1 AND current_balance + $2 <= initial_amount`,
			code, cents,
		); err != nil {
			return fmt.Errorf("refund gift card: %w", err)
		}
		return nil
	})
}
