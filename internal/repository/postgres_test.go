package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/checkout-settlement/internal/model"
)

func newTestPostgres(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	repo, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isTransient(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, isTransient(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isTransient(errors.New("dial tcp: connection refused")))
	assert.False(t, isTransient(errors.New("syntax error")))
}

func TestCents(t *testing.T) {
	assert.Equal(t, int64(1999), toCents(decimal.RequireFromString("19.99")))
	assert.Equal(t, int64(1000), toCents(decimal.RequireFromString("9.995")))
	assert.True(t, fromCents(1999).Equal(decimal.RequireFromString("19.99")))
	assert.Nil(t, toCentsPtr(nil))
	assert.Nil(t, fromCentsPtr(nil))
}

func TestPostgresDecrementStock_ParallelNeverOversells(t *testing.T) {
	repo := newTestPostgres(t)
	ctx := context.Background()

	productID := "p-" + uuid.NewString()
	require.NoError(t, repo.UpsertProduct(ctx, model.Product{
		ID: productID, Name: "test", Price: decimal.NewFromInt(10), Stock: 10, IsActive: true,
	}))

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.DecrementStock(ctx, uuid.NewString(), productID, 1)
			if err == nil && ok {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), successes.Load())
	p, err := repo.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Stock)
}

func TestPostgresLedgers_CompensationIsIdempotent(t *testing.T) {
	repo := newTestPostgres(t)
	ctx := context.Background()
	checkoutID := uuid.NewString()

	productID := "p-" + uuid.NewString()
	require.NoError(t, repo.UpsertProduct(ctx, model.Product{
		ID: productID, Name: "test", Price: decimal.NewFromInt(10), Stock: 5, IsActive: true,
	}))
	couponCode := "C" + uuid.NewString()[:8]
	limit := 1
	require.NoError(t, repo.UpsertCoupon(ctx, model.Coupon{
		Code: couponCode, DiscountType: model.DiscountFixed, DiscountValue: decimal.NewFromInt(5),
		StartDate: time.Now().Add(-time.Hour), EndDate: time.Now().Add(time.Hour),
		UsageLimit: &limit, IsActive: true,
	}))
	cardCode := "G" + uuid.NewString()[:8]
	require.NoError(t, repo.UpsertGiftCard(ctx, model.GiftCard{
		Code: cardCode, InitialAmount: decimal.NewFromInt(80), CurrentBalance: decimal.NewFromInt(80), IsActive: true,
	}))

	ok, err := repo.DecrementStock(ctx, checkoutID, productID, 2)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.IncrementCouponUsage(ctx, checkoutID, couponCode)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.DebitGiftCard(ctx, checkoutID, cardCode, decimal.NewFromInt(50))
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 2; i++ {
		require.NoError(t, repo.RefundGiftCard(ctx, checkoutID, cardCode))
		require.NoError(t, repo.DecrementCouponUsage(ctx, checkoutID, couponCode))
		require.NoError(t, repo.ReleaseStock(ctx, checkoutID, productID))
	}

	p, _ := repo.GetProduct(ctx, productID)
	assert.Equal(t, 5, p.Stock)
	c, _ := repo.GetCoupon(ctx, couponCode)
	assert.Equal(t, 0, c.UsedCount)
	g, _ := repo.GetGiftCard(ctx, cardCode)
	assert.True(t, g.CurrentBalance.Equal(decimal.NewFromInt(80)))
}

func TestPostgresOrders_RoundTrip(t *testing.T) {
	repo := newTestPostgres(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	o := model.Order{
		ID:             uuid.NewString(),
		UserID:         "u-" + uuid.NewString(),
		Status:         model.OrderStatusPending,
		Subtotal:       decimal.RequireFromString("200.00"),
		CouponDiscount: decimal.RequireFromString("30.00"),
		TotalAmount:    decimal.RequireFromString("170.00"),
		AppliedCoupon:  "SAVE20",
		ShippingAddress: model.Address{
			FullName: "Ann", Line1: "1 Main St", City: "Town", PostalCode: "123", Country: "US",
		},
		LineItems: []model.LineItem{
			{ProductID: "p1", Quantity: 2, UnitPriceAtTime: decimal.NewFromInt(100)},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, repo.CreateOrder(ctx, o))
	require.NoError(t, repo.CreateOrder(ctx, o))

	got, err := repo.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalAmount.Equal(o.TotalAmount))
	assert.Equal(t, "Ann", got.ShippingAddress.FullName)
	require.Len(t, got.LineItems, 1)
	assert.Equal(t, 2, got.LineItems[0].Quantity)

	list, err := repo.GetOrdersByUser(ctx, o.UserID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.DeleteOrder(ctx, o.ID))
	_, err = repo.GetOrder(ctx, o.ID)
	assert.Error(t, err)
}
