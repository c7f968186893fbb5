package discount

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
	"github.com/mmeshcher/checkout-settlement/internal/clock"
	"github.com/mmeshcher/checkout-settlement/internal/model"
)

type stubStore struct {
	coupons   map[string]*model.Coupon
	giftCards map[string]*model.GiftCard
	err       error
}

func (s *stubStore) GetCoupon(ctx context.Context, code string) (*model.Coupon, error) {
	if s.err != nil {
		return nil, s.err
	}
	c, ok := s.coupons[code]
	if !ok {
		return nil, apperr.ErrCouponNotFound
	}
	return c, nil
}

func (s *stubStore) GetGiftCard(ctx context.Context, code string) (*model.GiftCard, error) {
	if s.err != nil {
		return nil, s.err
	}
	g, ok := s.giftCards[code]
	if !ok {
		return nil, apperr.ErrGiftCardNotFound
	}
	return g, nil
}

func TestQuoter_NormalizesCodes(t *testing.T) {
	store := &stubStore{
		coupons:   map[string]*model.Coupon{"SAVE10": activeCoupon("SAVE10")},
		giftCards: map[string]*model.GiftCard{"GIFT": giftCard("5")},
	}
	q := NewQuoter(store, clock.NewFixed(now))

	res, err := q.Quote(context.Background(), QuoteRequest{
		Subtotal:     d("100"),
		CouponCode:   "  save10 ",
		GiftCardCode: "gift",
	})
	require.NoError(t, err)

	assert.True(t, res.CouponDiscount.Equal(d("10")))
	assert.True(t, res.GiftCardAmount.Equal(d("5")))
	assert.True(t, res.FinalAmount.Equal(d("85")))
}

func TestQuoter_UnknownCoupon(t *testing.T) {
	q := NewQuoter(&stubStore{}, clock.NewFixed(now))

	_, err := q.Quote(context.Background(), QuoteRequest{Subtotal: d("10"), CouponCode: "NOPE"})
	assert.True(t, errors.Is(err, apperr.ErrCouponNotFound))
}

func TestQuoter_StoreFailure(t *testing.T) {
	boom := errors.New("connection reset")
	q := NewQuoter(&stubStore{err: boom}, clock.NewFixed(now))

	_, err := q.Quote(context.Background(), QuoteRequest{Subtotal: d("10"), GiftCardCode: "G"})
	assert.ErrorIs(t, err, boom)
}
