// Package discount проверяет и оценивает купоны и подарочные карты относительно суммы корзины.
// Функции пакета ничего не записывают, поэтому их можно вызывать для предварительного расчёта.
package discount

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
	"github.com/mmeshcher/checkout-settlement/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Input содержит всё, что нужно для расчёта скидок.
// Coupon и GiftCard равны nil, если код указан, но запись не найдена.
type Input struct {
	Subtotal          decimal.Decimal
	CouponCode        string
	Coupon            *model.Coupon
	GiftCardCode      string
	GiftCard          *model.GiftCard
	GiftCardRequested decimal.Decimal
	Now               time.Time
}

// Resolve проверяет купон и подарочную карту и возвращает итоговый расчёт.
func Resolve(in Input) (model.DiscountBreakdown, error) {
	if in.Subtotal.IsNegative() {
		return model.DiscountBreakdown{}, apperr.Validation("subtotal must not be negative")
	}
	subtotal := in.Subtotal.Round(2)

	res := model.DiscountBreakdown{
		Subtotal:       subtotal,
		CouponDiscount: decimal.Zero,
		GiftCardAmount: decimal.Zero,
	}

	if in.CouponCode != "" {
		if err := ValidateCoupon(in.Coupon, subtotal, in.Now); err != nil {
			return model.DiscountBreakdown{}, err
		}
		res.CouponCode = in.Coupon.Code
		res.CouponDiscount, res.ShippingWaived = CouponDiscount(in.Coupon, subtotal)
	}

	if in.GiftCardCode != "" {
		if err := ValidateGiftCard(in.GiftCard, in.Now); err != nil {
			return model.DiscountBreakdown{}, err
		}
		remaining := subtotal.Sub(res.CouponDiscount)
		res.GiftCardCode = in.GiftCard.Code
		res.GiftCardAmount = GiftCardAmount(in.GiftCard, in.GiftCardRequested, remaining)
	}

	res.FinalAmount = decimal.Max(decimal.Zero, subtotal.Sub(res.CouponDiscount).Sub(res.GiftCardAmount))
	return res, nil
}

// ValidateCoupon проверяет купон в порядке: существует, активен, действует по датам,
// не исчерпан, сумма не ниже минимальной. Возвращает первую найденную причину отказа.
func ValidateCoupon(c *model.Coupon, subtotal decimal.Decimal, now time.Time) error {
	switch {
	case c == nil:
		return apperr.ErrCouponNotFound
	case !c.IsActive:
		return apperr.ErrCouponInactive
	case now.Before(c.StartDate) || now.After(c.EndDate):
		return apperr.ErrCouponExpired
	case c.Exhausted():
		return apperr.ErrCouponExhausted
	case c.MinimumAmount != nil && subtotal.LessThan(*c.MinimumAmount):
		return apperr.ErrBelowMinimum.With("order amount must be at least %s", c.MinimumAmount.StringFixed(2))
	}
	return nil
}

// CouponDiscount считает денежную скидку купона и признак бесплатной доставки.
func CouponDiscount(c *model.Coupon, subtotal decimal.Decimal) (decimal.Decimal, bool) {
	var amount decimal.Decimal
	switch c.DiscountType {
	case model.DiscountPercentage:
		amount = subtotal.Mul(c.DiscountValue).Div(hundred).Round(2)
		if c.MaximumDiscount != nil && amount.GreaterThan(*c.MaximumDiscount) {
			amount = *c.MaximumDiscount
		}
	case model.DiscountFixed:
		amount = decimal.Min(c.DiscountValue, subtotal)
	case model.DiscountFreeShipping:
		return decimal.Zero, true
	default:
		return decimal.Zero, false
	}

	amount = decimal.Min(amount, subtotal)
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	return amount.Round(2), false
}

// ValidateGiftCard проверяет карту в порядке: существует, активна, не истекла, баланс больше нуля.
func ValidateGiftCard(g *model.GiftCard, now time.Time) error {
	switch {
	case g == nil:
		return apperr.ErrGiftCardNotFound
	case !g.IsActive:
		return apperr.ErrCardInactive
	case g.Expired(now):
		return apperr.ErrCardExpired
	case g.IsRedeemed():
		return apperr.ErrInsufficientBalance.With("gift card has no remaining balance")
	}
	return nil
}

// GiftCardAmount возвращает min(requested, balance, remaining); неположительный requested
// означает «списать сколько возможно».
func GiftCardAmount(g *model.GiftCard, requested, remaining decimal.Decimal) decimal.Decimal {
	amount := decimal.Min(g.CurrentBalance, remaining)
	if requested.IsPositive() {
		amount = decimal.Min(amount, requested)
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount.Round(2)
}
