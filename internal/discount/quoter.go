package discount

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
	"github.com/mmeshcher/checkout-settlement/internal/clock"
	"github.com/mmeshcher/checkout-settlement/internal/model"
)

// Store даёт доступ на чтение к купонам и подарочным картам.
type Store interface {
	GetCoupon(ctx context.Context, code string) (*model.Coupon, error)
	GetGiftCard(ctx context.Context, code string) (*model.GiftCard, error)
}

// QuoteRequest описывает запрос на расчёт скидок.
type QuoteRequest struct {
	Subtotal       decimal.Decimal
	CouponCode     string
	GiftCardCode   string
	GiftCardAmount decimal.Decimal
}

// Quoter загружает купон и карту из хранилища и вызывает Resolve.
type Quoter struct {
	store Store
	clock clock.Clock
}

// NewQuoter создаёт Quoter.
func NewQuoter(store Store, clk clock.Clock) *Quoter {
	return &Quoter{store: store, clock: clk}
}

// Quote рассчитывает скидки без каких-либо изменений в хранилище.
func (q *Quoter) Quote(ctx context.Context, req QuoteRequest) (model.DiscountBreakdown, error) {
	in := Input{
		Subtotal:          req.Subtotal,
		CouponCode:        model.NormalizeCouponCode(req.CouponCode),
		GiftCardCode:      model.NormalizeGiftCardCode(req.GiftCardCode),
		GiftCardRequested: req.GiftCardAmount,
		Now:               q.clock.Now(),
	}

	if in.CouponCode != "" {
		c, err := q.store.GetCoupon(ctx, in.CouponCode)
		if err != nil && !errors.Is(err, apperr.ErrCouponNotFound) {
			return model.DiscountBreakdown{}, err
		}
		in.Coupon = c
	}

	if in.GiftCardCode != "" {
		g, err := q.store.GetGiftCard(ctx, in.GiftCardCode)
		if err != nil && !errors.Is(err, apperr.ErrGiftCardNotFound) {
			return model.DiscountBreakdown{}, err
		}
		in.GiftCard = g
	}

	return Resolve(in)
}
