package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
	"github.com/mmeshcher/checkout-settlement/internal/events"
	"github.com/mmeshcher/checkout-settlement/internal/model"
)

const compensationTimeout = 30 * time.Second

// rollback отменяет всё, что успело выполнить оформление, в обратном порядке:
// карта, купон, заказ, платёж, остатки. Все компенсации идемпотентны, поэтому
// вызываются для каждого затронутого ресурса независимо от того, прошёл ли сам шаг.
func (c *Coordinator) rollback(ctx context.Context, span trace.Span, run *checkoutRun, cause error) error {
	failedAt := run.state
	run.state = StateRolledBack

	span.RecordError(cause)
	span.SetStatus(codes.Error, apperr.CodeOf(cause))
	span.SetAttributes(
		attribute.String("checkout.state", string(run.state)),
		attribute.String("checkout.failed_at", string(failedAt)),
	)

	// Компенсации выполняются даже после отмены запроса клиентом.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	var failed []string
	compensate := func(ledger string, fn func(ctx context.Context) error) {
		err := retry.Do(cctx, c.compensateBackoff(), func(ctx context.Context) error {
			if err := fn(ctx); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		c.metrics.Compensation(ledger, err)
		if err != nil {
			failed = append(failed, ledger)
			run.logger.Error("compensation failed",
				zap.String("ledger", ledger),
				zap.Bool("reconciliation_required", true),
				zap.Error(err),
			)
		}
	}

	b := run.breakdown
	if run.giftCardTouched {
		compensate("gift_card", func(ctx context.Context) error {
			return c.ledger.RefundGiftCard(ctx, run.id, b.GiftCardCode)
		})
	}
	if run.couponTouched {
		compensate("coupon", func(ctx context.Context) error {
			return c.ledger.DecrementCouponUsage(ctx, run.id, b.CouponCode)
		})
	}
	if run.orderWritten {
		compensate("order", func(ctx context.Context) error {
			return c.ledger.DeleteOrder(ctx, run.id)
		})
	}
	if run.authorized {
		if v, ok := c.payments.(Voider); ok {
			compensate("payment", func(ctx context.Context) error {
				return v.Void(ctx, run.paymentRef)
			})
		} else {
			run.logger.Warn("payment authorized but gateway cannot void it",
				zap.String("payment_reference", run.paymentRef),
			)
		}
	}
	if run.reservation != nil {
		compensate("stock", func(ctx context.Context) error {
			return c.inventory.Release(ctx, run.reservation)
		})
	}

	run.logger.Warn("checkout rolled back",
		zap.String("failed_at", string(failedAt)),
		zap.String("reason", apperr.CodeOf(cause)),
		zap.Strings("failed_compensations", failed),
		zap.Error(cause),
	)
	c.publisher.Publish(ctx, events.NewEvent(events.TypeCheckoutRolledBack, run.id, map[string]any{
		"checkoutId": run.id,
		"userId":     run.req.UserID,
		"failedAt":   string(failedAt),
		"reason":     apperr.CodeOf(cause),
	}))

	if len(failed) == 0 {
		return cause
	}

	c.reconcile(ctx, run, "compensation_failed", cause, map[string]any{
		"failedAt":            string(failedAt),
		"failedCompensations": failed,
	})
	if run.orderWritten || errors.Is(cause, apperr.ErrReconciliationNeeded) {
		return apperr.ErrReconciliationNeeded.Wrap(cause)
	}
	return cause
}

// reconcile сохраняет запись для ручной сверки, пишет её в лог с наивысшей важностью
// и отправляет сигнал. Ошибка записи только логируется: лог остаётся источником правды.
func (c *Coordinator) reconcile(ctx context.Context, run *checkoutRun, reason string, cause error, extra map[string]any) {
	b := run.breakdown
	details := map[string]any{
		"userId":           run.req.UserID,
		"state":            string(run.state),
		"subtotal":         b.Subtotal.StringFixed(2),
		"finalAmount":      b.FinalAmount.StringFixed(2),
		"couponCode":       b.CouponCode,
		"giftCardCode":     b.GiftCardCode,
		"giftCardAmount":   b.GiftCardAmount.StringFixed(2),
		"paymentReference": run.paymentRef,
		"orderWritten":     run.orderWritten,
	}
	if cause != nil {
		details["cause"] = cause.Error()
	}
	for k, v := range extra {
		details[k] = v
	}

	rec := model.Reconciliation{
		ID:         uuid.NewString(),
		CheckoutID: run.id,
		Reason:     reason,
		Details:    details,
		CreatedAt:  c.clock.Now(),
	}

	run.logger.Error("checkout requires manual reconciliation",
		zap.Bool("reconciliation_required", true),
		zap.String("reason", reason),
		zap.Any("details", details),
		zap.Error(cause),
	)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	err := retry.Do(cctx, c.compensateBackoff(), func(ctx context.Context) error {
		if err := c.ledger.CreateReconciliation(ctx, rec); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		run.logger.Error("failed to store reconciliation record",
			zap.Bool("reconciliation_required", true),
			zap.String("reconciliation_id", rec.ID),
			zap.Error(err),
		)
	}

	c.publisher.Publish(ctx, events.NewEvent(events.TypeReconciliationRequired, run.id, map[string]any{
		"reconciliationId": rec.ID,
		"checkoutId":       run.id,
		"reason":           reason,
	}))
}
