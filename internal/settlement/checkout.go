package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
	"github.com/mmeshcher/checkout-settlement/internal/discount"
	"github.com/mmeshcher/checkout-settlement/internal/events"
	"github.com/mmeshcher/checkout-settlement/internal/inventory"
	"github.com/mmeshcher/checkout-settlement/internal/model"
	"github.com/mmeshcher/checkout-settlement/internal/payment"
)

// State обозначает фазу оформления.
type State string

const (
	StateQuoting     State = "quoting"
	StateReserving   State = "reserving"
	StateAuthorizing State = "authorizing"
	StateCommitting  State = "committing"
	StateSettled     State = "settled"
	StateRolledBack  State = "rolled_back"
)

var totalTolerance = decimal.New(1, -2)

const commitTimeout = 30 * time.Second

func newCheckoutID() string {
	return uuid.NewString()
}

// checkoutRun хранит состояние одного оформления, в том числе всё, что нужно для компенсации.
type checkoutRun struct {
	id     string
	req    Request
	state  State
	logger *zap.Logger

	lines       []model.CartLine
	breakdown   model.DiscountBreakdown
	reservation *inventory.Reservation
	paymentRef  string
	authorized  bool

	orderWritten    bool
	couponTouched   bool
	giftCardTouched bool
}

func (c *Coordinator) checkout(ctx context.Context, req Request) (*model.Order, error) {
	run := &checkoutRun{id: c.newID(), req: req, state: StateQuoting}
	run.logger = c.logger.With(zap.String("checkout_id", run.id), zap.String("user_id", req.UserID))

	ctx, span := c.tracer.Start(ctx, "settlement.checkout",
		trace.WithAttributes(attribute.String("checkout.id", run.id)))
	defer span.End()

	// Резерв должен быть получен до истечения ReserveTimeout, иначе он освобождается.
	preCtx, cancel := context.WithTimeout(ctx, c.cfg.ReserveTimeout)
	defer cancel()

	if err := c.quote(preCtx, run); err != nil {
		return nil, c.fail(ctx, span, run, timeoutOr(preCtx, err))
	}
	if err := c.reserve(preCtx, run); err != nil {
		return nil, c.fail(ctx, span, run, timeoutOr(preCtx, err))
	}
	if preCtx.Err() != nil {
		return nil, c.rollback(ctx, span, run, apperr.ErrReservationTimeout)
	}

	if err := c.authorize(ctx, run); err != nil {
		if errors.Is(err, apperr.ErrReconciliationNeeded) {
			return nil, c.fail(ctx, span, run, err)
		}
		return nil, c.rollback(ctx, span, run, err)
	}

	// После авторизации платежа фиксация не зависит от отмены запроса клиентом.
	commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancelCommit()

	order, err := c.commit(commitCtx, run)
	if err != nil {
		return nil, c.rollback(ctx, span, run, err)
	}

	run.state = StateSettled
	span.SetAttributes(attribute.String("checkout.state", string(run.state)))
	run.logger.Info("checkout settled",
		zap.String("order_id", order.ID),
		zap.String("total", order.TotalAmount.StringFixed(2)),
	)
	c.publisher.Publish(ctx, events.NewEvent(events.TypeOrderSettled, order.ID, map[string]any{
		"orderId":        order.ID,
		"userId":         order.UserID,
		"totalAmount":    order.TotalAmount.StringFixed(2),
		"appliedCoupon":  order.AppliedCoupon,
		"giftCardAmount": order.GiftCardAmount.StringFixed(2),
	}))
	return order, nil
}

// timeoutOr заменяет ошибку истёкшего контекста резерва на ErrReservationTimeout.
func timeoutOr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded) {
		return apperr.ErrReservationTimeout.Wrap(err)
	}
	return err
}

func (c *Coordinator) quote(ctx context.Context, run *checkoutRun) error {
	defer c.metrics.ObservePhase(string(StateQuoting), time.Now())

	lines, breakdown, err := c.price(ctx, run.req)
	if err != nil {
		return err
	}

	if exp := run.req.ExpectedTotal; exp != nil {
		if exp.Sub(breakdown.FinalAmount).Abs().GreaterThan(totalTolerance) {
			return apperr.ErrTotalMismatch.With("order total %s does not match computed amount %s",
				exp.StringFixed(2), breakdown.FinalAmount.StringFixed(2))
		}
	}

	run.lines = lines
	run.breakdown = breakdown
	return nil
}

// price оценивает корзину по ценам каталога и применяет скидки.
func (c *Coordinator) price(ctx context.Context, req Request) ([]model.CartLine, model.DiscountBreakdown, error) {
	lines := make([]model.CartLine, 0, len(req.Items))
	for _, it := range req.Items {
		p, err := c.ledger.GetProduct(ctx, it.ProductID)
		if err != nil {
			return nil, model.DiscountBreakdown{}, err
		}
		if !p.IsActive {
			return nil, model.DiscountBreakdown{}, apperr.ErrProductInactive.With("product %s is not available", p.ID)
		}
		lines = append(lines, model.CartLine{
			ProductID: p.ID,
			Quantity:  it.Quantity,
			Variant:   it.Variant,
			UnitPrice: p.Price,
		})
	}

	cart := model.CartSnapshot{Lines: lines}
	breakdown, err := c.quoter.Quote(ctx, discount.QuoteRequest{
		Subtotal:       cart.Subtotal(),
		CouponCode:     req.CouponCode,
		GiftCardCode:   req.GiftCardCode,
		GiftCardAmount: req.GiftCardAmount,
	})
	if err != nil {
		return nil, model.DiscountBreakdown{}, err
	}
	return lines, breakdown, nil
}

func (c *Coordinator) reserve(ctx context.Context, run *checkoutRun) error {
	defer c.metrics.ObservePhase(string(StateReserving), time.Now())
	run.state = StateReserving

	items := make([]inventory.Item, 0, len(run.lines))
	for _, l := range run.lines {
		items = append(items, inventory.Item{ProductID: l.ProductID, Quantity: l.Quantity})
	}

	res, err := c.inventory.Reserve(ctx, run.id, items)
	if err != nil {
		return err
	}
	run.reservation = res
	return nil
}

// authorize запрашивает платёж на итоговую сумму. Нулевая сумма не требует авторизации.
// Если исход платежа неизвестен, резерв сохраняется и оформление уходит на сверку.
func (c *Coordinator) authorize(ctx context.Context, run *checkoutRun) error {
	defer c.metrics.ObservePhase(string(StateAuthorizing), time.Now())
	run.state = StateAuthorizing

	amount := run.breakdown.FinalAmount
	if !amount.IsPositive() {
		return nil
	}

	payCtx, cancel := context.WithTimeout(ctx, c.cfg.PaymentTimeout)
	defer cancel()

	auth, err := c.payments.Authorize(payCtx, amount, run.id)
	switch {
	case err == nil:
		run.paymentRef = auth.Reference
		run.authorized = true
		return nil
	case errors.Is(err, apperr.ErrPaymentDeclined), errors.Is(err, apperr.ErrPaymentUnavailable):
		return err
	case errors.Is(err, payment.ErrOutcomeUnknown),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		c.reconcile(ctx, run, "payment_outcome_unknown", err, map[string]any{
			"amount": amount.StringFixed(2),
		})
		return apperr.ErrReconciliationNeeded.Wrap(err)
	default:
		return apperr.ErrPaymentUnavailable.Wrap(err)
	}
}

// commit записывает заказ, затем условно увеличивает счётчик купона и списывает
// сумму с подарочной карты. Временные ошибки каждого шага повторяются ограниченное число раз.
func (c *Coordinator) commit(ctx context.Context, run *checkoutRun) (*model.Order, error) {
	defer c.metrics.ObservePhase(string(StateCommitting), time.Now())
	run.state = StateCommitting

	now := c.clock.Now()
	b := run.breakdown
	order := model.Order{
		ID:               run.id,
		UserID:           run.req.UserID,
		Status:           model.OrderStatusPending,
		Subtotal:         b.Subtotal,
		CouponDiscount:   b.CouponDiscount,
		GiftCardAmount:   b.GiftCardAmount,
		TotalAmount:      b.FinalAmount,
		AppliedCoupon:    b.CouponCode,
		AppliedGiftCard:  b.GiftCardCode,
		ShippingWaived:   b.ShippingWaived,
		PaymentReference: run.paymentRef,
		ShippingAddress:  run.req.ShippingAddress,
		BillingAddress:   run.req.BillingAddress,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, l := range run.lines {
		order.LineItems = append(order.LineItems, model.LineItem{
			ProductID:       l.ProductID,
			Quantity:        l.Quantity,
			Variant:         l.Variant,
			UnitPriceAtTime: l.UnitPrice,
		})
	}

	run.orderWritten = true
	if err := c.commitStep(ctx, func(ctx context.Context) error {
		return c.ledger.CreateOrder(ctx, order)
	}); err != nil {
		return nil, c.commitFailed(ctx, run, "create_order", err)
	}

	if b.CouponCode != "" {
		run.couponTouched = true
		var ok bool
		if err := c.commitStep(ctx, func(ctx context.Context) (err error) {
			ok, err = c.ledger.IncrementCouponUsage(ctx, run.id, b.CouponCode)
			return err
		}); err != nil {
			return nil, c.commitFailed(ctx, run, "increment_coupon", err)
		}
		if !ok {
			return nil, apperr.ErrCouponExhaustedRace
		}
	}

	if b.GiftCardCode != "" && b.GiftCardAmount.IsPositive() {
		run.giftCardTouched = true
		var ok bool
		if err := c.commitStep(ctx, func(ctx context.Context) (err error) {
			ok, err = c.ledger.DebitGiftCard(ctx, run.id, b.GiftCardCode, b.GiftCardAmount)
			return err
		}); err != nil {
			return nil, c.commitFailed(ctx, run, "debit_gift_card", err)
		}
		if !ok {
			return nil, apperr.ErrGiftCardBalanceRace
		}
	}

	return &order, nil
}

// commitStep повторяет fn, пока ошибка не типизирована (то есть не бизнес-отказ).
func (c *Coordinator) commitStep(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, c.commitBackoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || apperr.KindOf(err) != apperr.KindInternal {
			return err
		}
		return retry.RetryableError(err)
	})
}

// commitFailed вызывается, когда шаг фиксации не удался после всех повторов.
// Заказ мог быть записан, поэтому оформление уходит на сверку, а откат выполняется как обычно.
func (c *Coordinator) commitFailed(ctx context.Context, run *checkoutRun, step string, err error) error {
	if apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	c.reconcile(ctx, run, "commit_failed", err, map[string]any{"step": step})
	return apperr.ErrReconciliationNeeded.Wrap(err)
}

// fail завершает оформление без компенсаций.
func (c *Coordinator) fail(ctx context.Context, span trace.Span, run *checkoutRun, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, apperr.CodeOf(err))
	span.SetAttributes(attribute.String("checkout.state", string(run.state)))

	if apperr.KindOf(err) == apperr.KindReconciliation {
		return err
	}
	run.logger.Info("checkout rejected",
		zap.String("state", string(run.state)),
		zap.String("reason", apperr.CodeOf(err)),
		zap.Error(err),
	)
	return err
}
