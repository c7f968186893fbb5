package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
	"github.com/mmeshcher/checkout-settlement/internal/events"
	"github.com/mmeshcher/checkout-settlement/internal/inventory"
	"github.com/mmeshcher/checkout-settlement/internal/model"
)

// brokenLedger сохраняет записи сверки и умеет проигрывать гонку за купон
// и не удалять заказ.
type brokenLedger struct {
	Ledger

	mu            sync.Mutex
	recs          []model.Reconciliation
	exhaustCoupon bool
	failDelete    bool
}

func (l *brokenLedger) IncrementCouponUsage(ctx context.Context, checkoutID, code string) (bool, error) {
	if l.exhaustCoupon {
		return false, nil
	}
	return l.Ledger.IncrementCouponUsage(ctx, checkoutID, code)
}

func (l *brokenLedger) DeleteOrder(ctx context.Context, id string) error {
	if l.failDelete {
		return errors.New("connection reset by peer")
	}
	return l.Ledger.DeleteOrder(ctx, id)
}

func (l *brokenLedger) CreateReconciliation(ctx context.Context, rec model.Reconciliation) error {
	l.mu.Lock()
	l.recs = append(l.recs, rec)
	l.mu.Unlock()
	return l.Ledger.CreateReconciliation(ctx, rec)
}

func (l *brokenLedger) reconciliations() []model.Reconciliation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.Reconciliation(nil), l.recs...)
}

// stuckInventory резервирует остатки, но не может их вернуть.
type stuckInventory struct {
	Inventory
}

func (stuckInventory) Release(context.Context, *inventory.Reservation) error {
	return errors.New("connection refused")
}

func observe(f *fixture) *observer.ObservedLogs {
	core, logs := observer.New(zap.InfoLevel)
	f.coord.logger = zap.New(core)
	return logs
}

func TestRollback_FailedStockReleaseIsRecorded(t *testing.T) {
	var ledger *brokenLedger
	f := newFixtureWith(t,
		func(l Ledger) Ledger {
			ledger = &brokenLedger{Ledger: l}
			return ledger
		},
		func(inv Inventory) Inventory { return stuckInventory{Inventory: inv} },
	)
	logs := observe(f)
	f.product(t, "mug", "10.00", 3)
	f.pay.err = apperr.ErrPaymentDeclined

	_, err := f.coord.Checkout(context.Background(), baseRequest(CartItem{ProductID: "mug", Quantity: 1}))
	require.Error(t, err)

	// Заказ не записан, поэтому клиент получает исходную причину.
	assert.ErrorIs(t, err, apperr.ErrPaymentDeclined)
	assert.Equal(t, apperr.KindExternal, apperr.KindOf(err))
	assert.Equal(t, 2, f.stock(t, "mug"))

	recs := ledger.reconciliations()
	require.Len(t, recs, 1)
	assert.Equal(t, "compensation_failed", recs[0].Reason)
	assert.Equal(t, []string{"stock"}, recs[0].Details["failedCompensations"])
	assert.Equal(t, false, recs[0].Details["orderWritten"])
	assert.Equal(t, 1, f.pendingReconciliations(t))

	assert.Contains(t, f.pub.types(), events.TypeCheckoutRolledBack)
	assert.Contains(t, f.pub.types(), events.TypeReconciliationRequired)

	flagged := logs.FilterField(zap.Bool("reconciliation_required", true))
	require.NotZero(t, flagged.Len())
	assert.NotZero(t, flagged.FilterMessage("compensation failed").Len())
	assert.NotZero(t, flagged.FilterMessage("checkout requires manual reconciliation").Len())
	for _, e := range flagged.All() {
		assert.Equal(t, zap.ErrorLevel, e.Level)
	}
}

func TestRollback_WrittenOrderThatCannotBeDeletedEscalates(t *testing.T) {
	var ledger *brokenLedger
	f := newFixtureWith(t, func(l Ledger) Ledger {
		ledger = &brokenLedger{Ledger: l, exhaustCoupon: true, failDelete: true}
		return ledger
	}, nil)
	logs := observe(f)
	f.product(t, "mug", "100.00", 5)
	f.coupon(t, model.Coupon{Code: "FIVE", DiscountType: model.DiscountFixed, DiscountValue: dec("5")})

	req := baseRequest(CartItem{ProductID: "mug", Quantity: 1})
	req.CouponCode = "FIVE"

	order, err := f.coord.Checkout(context.Background(), req)
	require.Error(t, err)
	assert.Nil(t, order)

	assert.ErrorIs(t, err, apperr.ErrReconciliationNeeded)
	assert.Equal(t, apperr.KindReconciliation, apperr.KindOf(err))
	assert.Equal(t, "reconciliation_required", apperr.CodeOf(err))

	// Остальные компенсации выполнены.
	assert.Equal(t, 5, f.stock(t, "mug"))
	assert.Len(t, f.pay.voided, 1)
	assert.Len(t, f.orders(t, "user-1"), 1)

	recs := ledger.reconciliations()
	require.Len(t, recs, 1)
	assert.Equal(t, "compensation_failed", recs[0].Reason)
	assert.Equal(t, []string{"order"}, recs[0].Details["failedCompensations"])
	assert.Equal(t, true, recs[0].Details["orderWritten"])

	assert.Contains(t, f.pub.types(), events.TypeReconciliationRequired)
	assert.NotZero(t, logs.FilterField(zap.Bool("reconciliation_required", true)).Len())
}
