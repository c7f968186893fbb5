package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
	"github.com/mmeshcher/checkout-settlement/internal/model"
)

// CreateOrder сохраняет заказ вместе с позициями. Повторная запись того же заказа
// (например, после потерянного ответа на COMMIT) не считается ошибкой.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o model.Order) error {
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO orders (id, user_id, status, subtotal, coupon_discount, gift_card_amount,
			                     total_amount, applied_coupon, applied_gift_card, shipping_waived,
			                     payment_reference, shipping_address, billing_address, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			o.ID, o.UserID, string(o.Status), toCents(o.Subtotal), toCents(o.CouponDiscount),
			toCents(o.GiftCardAmount), toCents(o.TotalAmount), o.AppliedCoupon, o.AppliedGiftCard,
			o.ShippingWaived, o.PaymentReference, o.ShippingAddress, o.BillingAddress,
			o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return err
		}

		for i, li := range o.LineItems {
			if _, err := tx.Exec(ctx,
				`INSERT INTO order_items (order_id, line_no, product_id, qty, variant, unit_price)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				o.ID, i+1, li.ProductID, li.Quantity, li.Variant, toCents(li.UnitPriceAtTime),
			); err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := r.GetOrder(ctx, o.ID)
			if getErr == nil && existing.UserID == o.UserID {
				return nil
			}
		}
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// DeleteOrder удаляет заказ в статусе pending. Используется только при откате оформления.
func (r *PostgresRepository) DeleteOrder(ctx context.Context, id string) error {
	err := r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`DELETE FROM orders WHERE id = $1 AND status = $2`,
			id, string(model.OrderStatusPending),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return nil
}

const selectOrder = `SELECT id, user_id, status, subtotal, coupon_discount, gift_card_amount, total_amount,
       applied_coupon, applied_gift_card, shipping_waived, payment_reference,
       shipping_address, billing_address, created_at, updated_at
FROM orders`

// GetOrder возвращает заказ с позициями.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	rows, err := r.pool.Query(ctx, selectOrder+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("select order: %w", err)
	}
	orders, err := r.scanOrders(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, apperr.ErrOrderNotFound
	}
	return &orders[0], nil
}

// GetOrdersByUser возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, selectOrder+` WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	return r.scanOrders(ctx, rows)
}

func (r *PostgresRepository) scanOrders(ctx context.Context, rows pgx.Rows) ([]model.Order, error) {
	defer rows.Close()

	var (
		orders []model.Order
		ids    []string
	)
	for rows.Next() {
		var (
			o                                         model.Order
			status                                    string
			subtotal, couponDiscount, giftCard, total int64
		)
		if err := rows.Scan(&o.ID, &o.UserID, &status, &subtotal, &couponDiscount, &giftCard, &total,
			&o.AppliedCoupon, &o.AppliedGiftCard, &o.ShippingWaived, &o.PaymentReference,
			&o.ShippingAddress, &o.BillingAddress, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = model.OrderStatus(status)
		o.Subtotal = fromCents(subtotal)
		o.CouponDiscount = fromCents(couponDiscount)
		o.GiftCardAmount = fromCents(giftCard)
		o.TotalAmount = fromCents(total)

		orders = append(orders, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	items, err := r.orderItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].LineItems = items[orders[i].ID]
	}
	return orders, nil
}

func (r *PostgresRepository) orderItems(ctx context.Context, orderIDs []string) (map[string][]model.LineItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT order_id, product_id, qty, variant, unit_price
		 FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, line_no`,
		orderIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	res := make(map[string][]model.LineItem, len(orderIDs))
	for rows.Next() {
		var (
			orderID string
			li      model.LineItem
			price   int64
		)
		if err := rows.Scan(&orderID, &li.ProductID, &li.Quantity, &li.Variant, &price); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		li.UnitPriceAtTime = fromCents(price)
		res[orderID] = append(res[orderID], li)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// CreateReconciliation сохраняет запись для ручной сверки.
func (r *PostgresRepository) CreateReconciliation(ctx context.Context, rec model.Reconciliation) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	details := rec.Details
	if details == nil {
		details = map[string]any{}
	}

	err := r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO reconciliations (id, checkout_id, reason, details, created_at)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
			rec.ID, rec.CheckoutID, rec.Reason, details, rec.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert reconciliation: %w", err)
	}
	return nil
}

// CountPendingReconciliations возвращает число нерешённых записей сверки.
func (r *PostgresRepository) CountPendingReconciliations(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM reconciliations WHERE resolved_at IS NULL`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count reconciliations: %w", err)
	}
	return n, nil
}
