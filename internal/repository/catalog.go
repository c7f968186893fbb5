package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
	"github.com/mmeshcher/checkout-settlement/internal/model"
)

// GetProduct возвращает товар по идентификатору.
func (r *PostgresRepository) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var (
		p     model.Product
		price int64
	)
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`SELECT id, name, price, stock, is_active FROM products WHERE id = $1`,
			id,
		).Scan(&p.ID, &p.Name, &price, &p.Stock, &p.IsActive)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrProductNotFound.With("product %s not found", id)
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	p.Price = fromCents(price)
	return &p, nil
}

// UpsertProduct создаёт или обновляет товар.
func (r *PostgresRepository) UpsertProduct(ctx context.Context, p model.Product) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO products (id, name, price, stock, is_active)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name, price = EXCLUDED.price, stock = EXCLUDED.stock,
		     is_active = EXCLUDED.is_active, updated_at = NOW()`,
		p.ID, p.Name, toCents(p.Price), p.Stock, p.IsActive,
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// DecrementStock уменьшает остаток на qty, только если stock >= qty, и записывает резерв
// для checkoutID. Повторный вызов для того же резерва ничего не меняет и возвращает true.
func (r *PostgresRepository) DecrementStock(ctx context.Context, checkoutID, productID string, qty int) (bool, error) {
	var ok bool
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		ok = false

		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM stock_reservations WHERE checkout_id = $1 AND product_id = $2)`,
			checkoutID, productID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check reservation: %w", err)
		}
		if exists {
			ok = true
			return nil
		}

		tag, err := tx.Exec(ctx,
			`UPDATE products SET stock = stock - $2, updated_at = NOW()
			 WHERE id = $1 AND stock >= $2`,
			productID, qty,
		)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO stock_reservations (checkout_id, product_id, qty) VALUES ($1, $2, $3)`,
			checkoutID, productID, qty,
		); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}

		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ReleaseStock возвращает зарезервированное количество на склад. Уже освобождённый
// или отсутствующий резерв не меняет остаток.
func (r *PostgresRepository) ReleaseStock(ctx context.Context, checkoutID, productID string) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		var qty int
		err := tx.QueryRow(ctx,
			`UPDATE stock_reservations SET released = TRUE
			 WHERE checkout_id = $1 AND product_id = $2 AND NOT released
			 RETURNING qty`,
			checkoutID, productID,
		).Scan(&qty)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("release reservation: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE products SET stock = stock + $2, updated_at = NOW() WHERE id = $1`,
			productID, qty,
		); err != nil {
			return fmt.Errorf("increment stock: %w", err)
		}
		return nil
	})
}
