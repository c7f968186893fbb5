package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
	"github.com/mmeshcher/checkout-settlement/internal/model"
)

func intPtr(v int) *int { return &v }

func TestMemoryDecrementStock_Conditional(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.UpsertProduct(ctx, model.Product{ID: "p1", Stock: 3, IsActive: true}))

	ok, err := repo.DecrementStock(ctx, "c1", "p1", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.DecrementStock(ctx, "c2", "p1", 2)
	require.NoError(t, err)
	assert.False(t, ok, "stock 1 must not cover qty 2")

	p, err := repo.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stock)
}

func TestMemoryDecrementStock_IdempotentPerCheckout(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.UpsertProduct(ctx, model.Product{ID: "p1", Stock: 5, IsActive: true}))

	for i := 0; i < 3; i++ {
		ok, err := repo.DecrementStock(ctx, "c1", "p1", 2)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	p, _ := repo.GetProduct(ctx, "p1")
	assert.Equal(t, 3, p.Stock)
}

func TestMemoryReleaseStock_Idempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.UpsertProduct(ctx, model.Product{ID: "p1", Stock: 5, IsActive: true}))

	_, err := repo.DecrementStock(ctx, "c1", "p1", 4)
	require.NoError(t, err)

	require.NoError(t, repo.ReleaseStock(ctx, "c1", "p1"))
	require.NoError(t, repo.ReleaseStock(ctx, "c1", "p1"))
	require.NoError(t, repo.ReleaseStock(ctx, "unknown", "p1"))

	p, _ := repo.GetProduct(ctx, "p1")
	assert.Equal(t, 5, p.Stock)
}

func TestMemoryDecrementStock_ParallelNeverOversells(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.UpsertProduct(ctx, model.Product{ID: "p1", Stock: 10, IsActive: true}))

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := repo.DecrementStock(ctx, fmt.Sprintf("c%d", i), "p1", 1)
			if err == nil && ok {
				successes.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(10), successes.Load())
	p, _ := repo.GetProduct(ctx, "p1")
	assert.Equal(t, 0, p.Stock)
}

func TestMemoryCouponUsage(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.UpsertCoupon(ctx, model.Coupon{
		Code:         " once ",
		DiscountType: model.DiscountFixed,
		UsageLimit:   intPtr(1),
		IsActive:     true,
	}))

	ok, err := repo.IncrementCouponUsage(ctx, "c1", "ONCE")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IncrementCouponUsage(ctx, "c1", "once")
	require.NoError(t, err)
	assert.True(t, ok, "repeat for the same checkout is a no-op")

	ok, err = repo.IncrementCouponUsage(ctx, "c2", "ONCE")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.DecrementCouponUsage(ctx, "c1", "ONCE"))
	require.NoError(t, repo.DecrementCouponUsage(ctx, "c1", "ONCE"))

	c, err := repo.GetCoupon(ctx, "once")
	require.NoError(t, err)
	assert.Equal(t, 0, c.UsedCount)
}

func TestMemoryUpsertCoupon_KeepsUsedCount(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	c := model.Coupon{Code: "A", DiscountType: model.DiscountFixed, IsActive: true}
	require.NoError(t, repo.UpsertCoupon(ctx, c))
	_, err := repo.IncrementCouponUsage(ctx, "c1", "A")
	require.NoError(t, err)

	require.NoError(t, repo.UpsertCoupon(ctx, c))
	got, _ := repo.GetCoupon(ctx, "A")
	assert.Equal(t, 1, got.UsedCount)
}

func TestMemoryGiftCardDebitAndRefund(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.UpsertGiftCard(ctx, model.GiftCard{
		Code:           "gc",
		InitialAmount:  decimal.NewFromInt(80),
		CurrentBalance: decimal.NewFromInt(80),
		IsActive:       true,
	}))

	ok, err := repo.DebitGiftCard(ctx, "c1", "GC", decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.DebitGiftCard(ctx, "c2", "GC", decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.False(t, ok, "balance 30 must not cover 50")

	g, _ := repo.GetGiftCard(ctx, "gc")
	assert.True(t, g.CurrentBalance.Equal(decimal.NewFromInt(30)))

	require.NoError(t, repo.RefundGiftCard(ctx, "c1", "GC"))
	require.NoError(t, repo.RefundGiftCard(ctx, "c1", "GC"))

	g, _ = repo.GetGiftCard(ctx, "gc")
	assert.True(t, g.CurrentBalance.Equal(decimal.NewFromInt(80)))
}

func TestMemoryDebitGiftCard_RejectsNonPositive(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.DebitGiftCard(context.Background(), "c1", "GC", decimal.Zero)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestMemoryGiftCard_ParallelDebitsNeverNegative(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.UpsertGiftCard(ctx, model.GiftCard{
		Code:           "GC",
		InitialAmount:  decimal.NewFromInt(100),
		CurrentBalance: decimal.NewFromInt(100),
		IsActive:       true,
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = repo.DebitGiftCard(ctx, fmt.Sprintf("c%d", i), "GC", decimal.NewFromInt(15))
		}(i)
	}
	wg.Wait()

	g, _ := repo.GetGiftCard(ctx, "GC")
	assert.True(t, g.CurrentBalance.Equal(decimal.NewFromInt(10)), "got %s", g.CurrentBalance)
}

func TestMemoryOrders(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	older := model.Order{ID: "o1", UserID: "u1", Status: model.OrderStatusPending, CreatedAt: now}
	newer := model.Order{ID: "o2", UserID: "u1", Status: model.OrderStatusPaid, CreatedAt: now.Add(time.Minute)}
	other := model.Order{ID: "o3", UserID: "u2", Status: model.OrderStatusPending, CreatedAt: now}
	for _, o := range []model.Order{older, newer, other} {
		require.NoError(t, repo.CreateOrder(ctx, o))
	}

	require.NoError(t, repo.CreateOrder(ctx, older), "same order for the same user is not an error")
	assert.ErrorIs(t, repo.CreateOrder(ctx, model.Order{ID: "o1", UserID: "u2"}), apperr.ErrConcurrencyConflict)

	orders, err := repo.GetOrdersByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "o2", orders[0].ID)

	require.NoError(t, repo.DeleteOrder(ctx, "o2"))
	_, err = repo.GetOrder(ctx, "o2")
	assert.NoError(t, err, "paid orders are never deleted")

	require.NoError(t, repo.DeleteOrder(ctx, "o1"))
	_, err = repo.GetOrder(ctx, "o1")
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	data := `{
  "products": [{"id": "p1", "name": "Mug", "price": "12.50", "stock": 4, "isActive": true}],
  "coupons": [{"code": "save20", "discountType": "percentage", "discountValue": 20,
               "maximumDiscount": 30, "startDate": "2020-01-01T00:00:00Z",
               "endDate": "2030-01-01T00:00:00Z", "isActive": true}],
  "giftCards": [{"code": "gift80", "initialAmount": 80, "isActive": true}]
}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, LoadSeedFile(ctx, repo, path))

	p, err := repo.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("12.50")))

	c, err := repo.GetCoupon(ctx, "SAVE20")
	require.NoError(t, err)
	require.NotNil(t, c.MaximumDiscount)
	assert.True(t, c.MaximumDiscount.Equal(decimal.NewFromInt(30)))

	g, err := repo.GetGiftCard(ctx, "GIFT80")
	require.NoError(t, err)
	assert.True(t, g.CurrentBalance.Equal(decimal.NewFromInt(80)))
}
