package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
	"github.com/mmeshcher/checkout-settlement/internal/model"
)

// GetCoupon возвращает купон по нормализованному коду.
func (r *PostgresRepository) GetCoupon(ctx context.Context, code string) (*model.Coupon, error) {
	var (
		c             model.Coupon
		discountType  string
		discountValue int64
		minimum       *int64
		maximum       *int64
	)
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`SELECT code, discount_type, discount_value, minimum_amount, maximum_discount,
			        start_date, end_date, usage_limit, used_count, is_active
			 FROM coupons WHERE code = $1`,
			model.NormalizeCouponCode(code),
		).Scan(&c.Code, &discountType, &discountValue, &minimum, &maximum,
			&c.StartDate, &c.EndDate, &c.UsageLimit, &c.UsedCount, &c.IsActive)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}

	c.DiscountType = model.DiscountType(discountType)
	c.DiscountValue = fromCents(discountValue)
	c.MinimumAmount = fromCentsPtr(minimum)
	c.MaximumDiscount = fromCentsPtr(maximum)
	return &c, nil
}

// UpsertCoupon создаёт или обновляет купон. Счётчик использований не перезаписывается.
func (r *PostgresRepository) UpsertCoupon(ctx context.Context, c model.Coupon) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO coupons (code, discount_type, discount_value, minimum_amount, maximum_discount,
		                      start_date, end_date, usage_limit, used_count, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (code) DO UPDATE
		 SET discount_type = EXCLUDED.discount_type, discount_value = EXCLUDED.discount_value,
		     minimum_amount = EXCLUDED.minimum_amount, maximum_discount = EXCLUDED.maximum_discount,
		     start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date,
		     usage_limit = EXCLUDED.usage_limit, is_active = EXCLUDED.is_active, updated_at = NOW()`,
		model.NormalizeCouponCode(c.Code), string(c.DiscountType), toCents(c.DiscountValue),
		toCentsPtr(c.MinimumAmount), toCentsPtr(c.MaximumDiscount),
		c.StartDate, c.EndDate, c.UsageLimit, c.UsedCount, c.IsActive,
	)
	if err != nil {
		return fmt.Errorf("upsert coupon: %w", err)
	}
	return nil
}

// IncrementCouponUsage увеличивает used_count, только если лимит не достигнут.
// Возвращает false, если условие не выполнено. Повтор для того же checkoutID идемпотентен.
func (r *PostgresRepository) IncrementCouponUsage(ctx context.Context, checkoutID, code string) (bool, error) {
	code = model.NormalizeCouponCode(code)

	var ok bool
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		ok = false

		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM coupon_redemptions WHERE checkout_id = $1 AND coupon_code = $2)`,
			checkoutID, code,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check redemption: %w", err)
		}
		if exists {
			ok = true
			return nil
		}

		tag, err := tx.Exec(ctx,
			`UPDATE coupons SET used_count = used_count + 1, updated_at = NOW()
			 WHERE code = $1 AND is_active AND (usage_limit IS NULL OR used_count < usage_limit)`,
			code,
		)
		if err != nil {
			return fmt.Errorf("increment coupon usage: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO coupon_redemptions (checkout_id, coupon_code) VALUES ($1, $2)`,
			checkoutID, code,
		); err != nil {
			return fmt.Errorf("insert redemption: %w", err)
		}

		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// DecrementCouponUsage отменяет использование купона, сделанное для checkoutID.
func (r *PostgresRepository) DecrementCouponUsage(ctx context.Context, checkoutID, code string) error {
	code = model.NormalizeCouponCode(code)

	return r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM coupon_redemptions WHERE checkout_id = $1 AND coupon_code = $2`,
			checkoutID, code,
		)
		if err != nil {
			return fmt.Errorf("delete redemption: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE coupons SET used_count = used_count - 1, updated_at = NOW()
			 WHERE code = $1 AND used_count > 0`,
			code,
		); err != nil {
			return fmt.Errorf("decrement coupon usage: %w", err)
		}
		return nil
	})
}
