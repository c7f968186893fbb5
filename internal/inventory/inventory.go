// Package inventory резервирует остатки товаров для оформления заказа.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
)

// Store выполняет условные операции над остатками.
type Store interface {
	DecrementStock(ctx context.Context, checkoutID, productID string, qty int) (bool, error)
	ReleaseStock(ctx context.Context, checkoutID, productID string) error
}

// Item описывает позицию, которую нужно зарезервировать.
type Item struct {
	ProductID string
	Quantity  int
}

// Reservation описывает успешный резерв одного оформления.
type Reservation struct {
	CheckoutID string
	Items      []Item
}

// Service резервирует и освобождает остатки.
type Service struct {
	store   Store
	logger  *zap.Logger
	backoff func() retry.Backoff
}

// NewService создаёт сервис резервирования.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		logger: logger,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.WithJitterPercent(20, retry.NewExponential(50*time.Millisecond)))
		},
	}
}

// Reserve уменьшает остаток по каждой позиции. Если хотя бы одна позиция не проходит
// условие, уже списанные позиции возвращаются и ошибка называет первый такой товар.
// Позиция, на которой хранилище вернуло ошибку, тоже возвращается: освобождение
// по журналу резервов ничего не меняет, если списания не было.
func (s *Service) Reserve(ctx context.Context, checkoutID string, items []Item) (*Reservation, error) {
	merged, err := mergeItems(items)
	if err != nil {
		return nil, err
	}

	res := &Reservation{CheckoutID: checkoutID}
	for _, it := range merged {
		ok, err := s.store.DecrementStock(ctx, checkoutID, it.ProductID, it.Quantity)
		if err == nil && ok {
			res.Items = append(res.Items, it)
			continue
		}

		// При ошибке хранилища списание могло примениться, поэтому позиция тоже возвращается.
		undo := res
		if err != nil {
			undo = &Reservation{CheckoutID: checkoutID, Items: append(append([]Item(nil), res.Items...), it)}
		}
		if relErr := s.Release(context.WithoutCancel(ctx), undo); relErr != nil {
			s.logger.Error("failed to compensate partial reservation",
				zap.String("checkout_id", checkoutID),
				zap.Error(relErr),
			)
		}
		if err != nil {
			return nil, fmt.Errorf("reserve %s: %w", it.ProductID, err)
		}
		return nil, apperr.InsufficientStock(it.ProductID)
	}

	return res, nil
}

// Release возвращает все позиции резерва на склад. Каждое возвращение повторяется
// при ошибке; повторный вызов безопасен.
func (s *Service) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}

	var errs []error
	for _, it := range res.Items {
		err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
			if err := s.store.ReleaseStock(ctx, res.CheckoutID, it.ProductID); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", it.ProductID, err))
		}
	}
	return errors.Join(errs...)
}

func mergeItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, apperr.Validation("no items to reserve")
	}

	index := make(map[string]int, len(items))
	merged := make([]Item, 0, len(items))
	for _, it := range items {
		if it.ProductID == "" {
			return nil, apperr.Validation("product id is required")
		}
		if it.Quantity <= 0 {
			return nil, apperr.Validation("quantity for product %s must be positive", it.ProductID)
		}
		if i, ok := index[it.ProductID]; ok {
			merged[i].Quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(merged)
		merged = append(merged, it)
	}
	return merged, nil
}
