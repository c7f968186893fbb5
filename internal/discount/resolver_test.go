package discount

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
	"github.com/mmeshcher/checkout-settlement/internal/model"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func intp(v int) *int { return &v }

func activeCoupon(code string) *model.Coupon {
	return &model.Coupon{
		Code:          code,
		DiscountType:  model.DiscountPercentage,
		DiscountValue: d("10"),
		StartDate:     now.Add(-24 * time.Hour),
		EndDate:       now.Add(24 * time.Hour),
		IsActive:      true,
	}
}

func giftCard(balance string) *model.GiftCard {
	return &model.GiftCard{
		Code:           "GIFT",
		InitialAmount:  d("100"),
		CurrentBalance: d(balance),
		IsActive:       true,
	}
}

func TestResolve_PercentageCappedByMaximum(t *testing.T) {
	c := activeCoupon("SAVE20")
	c.DiscountValue = d("20")
	c.MaximumDiscount = dp("30")

	res, err := Resolve(Input{Subtotal: d("200.00"), CouponCode: "SAVE20", Coupon: c, Now: now})
	require.NoError(t, err)

	assert.True(t, res.CouponDiscount.Equal(d("30.00")), "discount = %s", res.CouponDiscount)
	assert.True(t, res.FinalAmount.Equal(d("170.00")), "final = %s", res.FinalAmount)
	assert.Equal(t, "SAVE20", res.CouponCode)
}

func TestResolve_GiftCardCoversWholeOrder(t *testing.T) {
	g := giftCard("80.00")

	res, err := Resolve(Input{Subtotal: d("50.00"), GiftCardCode: "GIFT", GiftCard: g, Now: now})
	require.NoError(t, err)

	assert.True(t, res.GiftCardAmount.Equal(d("50.00")))
	assert.True(t, res.FinalAmount.IsZero())
	assert.True(t, g.CurrentBalance.Sub(res.GiftCardAmount).Equal(d("30.00")))
}

func TestResolve_CouponThenGiftCard(t *testing.T) {
	c := activeCoupon("TEN")
	c.DiscountType = model.DiscountFixed
	c.DiscountValue = d("10")

	res, err := Resolve(Input{
		Subtotal:          d("100"),
		CouponCode:        "TEN",
		Coupon:            c,
		GiftCardCode:      "GIFT",
		GiftCard:          giftCard("100"),
		GiftCardRequested: d("25"),
		Now:               now,
	})
	require.NoError(t, err)

	assert.True(t, res.CouponDiscount.Equal(d("10")))
	assert.True(t, res.GiftCardAmount.Equal(d("25")))
	assert.True(t, res.FinalAmount.Equal(d("65")))
}

func TestResolve_FreeShipping(t *testing.T) {
	c := activeCoupon("SHIP")
	c.DiscountType = model.DiscountFreeShipping

	res, err := Resolve(Input{Subtotal: d("40"), CouponCode: "SHIP", Coupon: c, Now: now})
	require.NoError(t, err)

	assert.True(t, res.ShippingWaived)
	assert.True(t, res.CouponDiscount.IsZero())
	assert.True(t, res.FinalAmount.Equal(d("40")))
}

func TestResolve_FixedDiscountNeverExceedsSubtotal(t *testing.T) {
	c := activeCoupon("BIG")
	c.DiscountType = model.DiscountFixed
	c.DiscountValue = d("500")

	res, err := Resolve(Input{Subtotal: d("20"), CouponCode: "BIG", Coupon: c, Now: now})
	require.NoError(t, err)

	assert.True(t, res.CouponDiscount.Equal(d("20")))
	assert.True(t, res.FinalAmount.IsZero())
}

func TestResolve_IsIdempotent(t *testing.T) {
	c := activeCoupon("SAVE10")
	in := Input{Subtotal: d("99.99"), CouponCode: "SAVE10", Coupon: c, GiftCardCode: "GIFT", GiftCard: giftCard("5"), Now: now}

	first, err := Resolve(in)
	require.NoError(t, err)
	second, err := Resolve(in)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 0, c.UsedCount)
}

func TestValidateCoupon_Order(t *testing.T) {
	tests := []struct {
		name   string
		coupon func() *model.Coupon
		want   error
	}{
		{"missing", func() *model.Coupon { return nil }, apperr.ErrCouponNotFound},
		{"inactive and expired", func() *model.Coupon {
			c := activeCoupon("X")
			c.IsActive = false
			c.EndDate = now.Add(-time.Hour)
			return c
		}, apperr.ErrCouponInactive},
		{"not started", func() *model.Coupon {
			c := activeCoupon("X")
			c.StartDate = now.Add(time.Hour)
			return c
		}, apperr.ErrCouponExpired},
		{"exhausted", func() *model.Coupon {
			c := activeCoupon("X")
			c.UsageLimit = intp(1)
			c.UsedCount = 1
			return c
		}, apperr.ErrCouponExhausted},
		{"below minimum", func() *model.Coupon {
			c := activeCoupon("X")
			c.MinimumAmount = dp("100")
			return c
		}, apperr.ErrBelowMinimum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCoupon(tt.coupon(), d("50"), now)
			if !errors.Is(err, tt.want) {
				t.Fatalf("ValidateCoupon() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateGiftCard(t *testing.T) {
	expired := now.Add(-time.Minute)

	tests := []struct {
		name string
		card *model.GiftCard
		want error
	}{
		{"missing", nil, apperr.ErrGiftCardNotFound},
		{"inactive", &model.GiftCard{Code: "G", CurrentBalance: d("10")}, apperr.ErrCardInactive},
		{"expired", &model.GiftCard{Code: "G", CurrentBalance: d("10"), IsActive: true, ExpiresAt: &expired}, apperr.ErrCardExpired},
		{"redeemed", &model.GiftCard{Code: "G", CurrentBalance: decimal.Zero, IsActive: true}, apperr.ErrInsufficientBalance},
		{"valid", giftCard("10"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGiftCard(tt.card, now)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestResolve_RejectsNegativeSubtotal(t *testing.T) {
	_, err := Resolve(Input{Subtotal: d("-1"), Now: now})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
