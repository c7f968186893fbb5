// Package service реализует прикладные операции движка расчёта: проверку и применение
// купонов, работу с подарочными картами, оформление и чтение заказов.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
	"github.com/mmeshcher/checkout-settlement/internal/clock"
	"github.com/mmeshcher/checkout-settlement/internal/discount"
	"github.com/mmeshcher/checkout-settlement/internal/idempotency"
	"github.com/mmeshcher/checkout-settlement/internal/metrics"
	"github.com/mmeshcher/checkout-settlement/internal/model"
	"github.com/mmeshcher/checkout-settlement/internal/settlement"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	GetCoupon(ctx context.Context, code string) (*model.Coupon, error)
	GetGiftCard(ctx context.Context, code string) (*model.GiftCard, error)
	IncrementCouponUsage(ctx context.Context, checkoutID, code string) (bool, error)
	DebitGiftCard(ctx context.Context, checkoutID, code string, amount decimal.Decimal) (bool, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)
	CountPendingReconciliations(ctx context.Context) (int, error)
}

// Checkout оформляет заказы и выполняет предварительный расчёт.
type Checkout interface {
	Checkout(ctx context.Context, req settlement.Request) (*model.Order, error)
	Quote(ctx context.Context, req settlement.Request) (model.DiscountBreakdown, error)
}

// CouponQuote описывает результат проверки купона.
type CouponQuote struct {
	Valid          bool
	DiscountAmount decimal.Decimal
	ShippingWaived bool
}

// Service содержит бизнес-логику движка расчёта.
type Service struct {
	repo     Repository
	checkout Checkout
	guard    idempotency.Guard
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clock    clock.Clock
}

// NewService создаёт новый сервис.
func NewService(repo Repository, checkout Checkout, guard idempotency.Guard, m *metrics.Metrics, logger *zap.Logger) *Service {
	if guard == nil {
		guard = idempotency.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		checkout: checkout,
		guard:    guard,
		metrics:  m,
		logger:   logger,
		clock:    clock.NewSystem(),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// ValidateCoupon проверяет купон для суммы subtotal без изменения счётчика.
func (s *Service) ValidateCoupon(ctx context.Context, code string, subtotal decimal.Decimal) (CouponQuote, error) {
	c, err := s.couponFor(ctx, code, subtotal)
	if err != nil {
		return CouponQuote{}, err
	}
	amount, waived := discount.CouponDiscount(c, subtotal)
	return CouponQuote{Valid: true, DiscountAmount: amount, ShippingWaived: waived}, nil
}

// ApplyCoupon проверяет купон и сразу засчитывает одно использование.
// Используется, когда применение купона отделено от оформления заказа.
func (s *Service) ApplyCoupon(ctx context.Context, code string, orderAmount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	c, err := s.couponFor(ctx, code, orderAmount)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	amount, _ := discount.CouponDiscount(c, orderAmount)

	ok, err := s.repo.IncrementCouponUsage(ctx, "apply-"+uuid.NewString(), c.Code)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, decimal.Zero, apperr.ErrCouponExhausted
	}

	final := decimal.Max(decimal.Zero, orderAmount.Sub(amount))
	return amount, final, nil
}

func (s *Service) couponFor(ctx context.Context, code string, subtotal decimal.Decimal) (*model.Coupon, error) {
	code = model.NormalizeCouponCode(code)
	if code == "" {
		return nil, apperr.Validation("coupon code is required")
	}
	if subtotal.IsNegative() {
		return nil, apperr.Validation("amount must not be negative")
	}

	c, err := s.repo.GetCoupon(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := discount.ValidateCoupon(c, subtotal, s.clock.Now()); err != nil {
		return nil, err
	}
	return c, nil
}

// ValidateGiftCard проверяет карту и возвращает её баланс.
func (s *Service) ValidateGiftCard(ctx context.Context, code string) (decimal.Decimal, error) {
	g, err := s.giftCard(ctx, code)
	if err != nil {
		return decimal.Zero, err
	}
	return g.CurrentBalance, nil
}

// RedeemGiftCard списывает amount с карты. Сумма больше баланса отклоняется целиком.
func (s *Service) RedeemGiftCard(ctx context.Context, code string, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, decimal.Zero, apperr.Validation("amount must be positive")
	}
	amount = amount.Round(2)

	g, err := s.giftCard(ctx, code)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if amount.GreaterThan(g.CurrentBalance) {
		return decimal.Zero, decimal.Zero, apperr.ErrInsufficientBalance
	}

	ok, err := s.repo.DebitGiftCard(ctx, "redeem-"+uuid.NewString(), g.Code, amount)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, decimal.Zero, apperr.ErrInsufficientBalance
	}

	after, err := s.repo.GetGiftCard(ctx, g.Code)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return amount, after.CurrentBalance, nil
}

func (s *Service) giftCard(ctx context.Context, code string) (*model.GiftCard, error) {
	code = model.NormalizeGiftCardCode(code)
	if code == "" {
		return nil, apperr.Validation("gift card code is required")
	}

	g, err := s.repo.GetGiftCard(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := discount.ValidateGiftCard(g, s.clock.Now()); err != nil {
		return nil, err
	}
	return g, nil
}

// Quote рассчитывает стоимость корзины без резервов и списаний.
func (s *Service) Quote(ctx context.Context, req settlement.Request) (model.DiscountBreakdown, error) {
	return s.checkout.Quote(ctx, req)
}

// CreateOrder оформляет заказ. Непустой idemKey связывает запрос с результатом:
// повтор с тем же ключом возвращает уже созданный заказ и created = false.
func (s *Service) CreateOrder(ctx context.Context, idemKey string, req settlement.Request) (*model.Order, bool, error) {
	if idemKey == "" {
		order, err := s.checkout.Checkout(ctx, req)
		return order, err == nil, err
	}

	existingID, err := s.guard.Begin(ctx, req.UserID, idemKey)
	if err != nil {
		return nil, false, err
	}
	if existingID != "" {
		order, err := s.GetOrder(ctx, req.UserID, existingID)
		return order, false, err
	}

	order, err := s.checkout.Checkout(ctx, req)
	if err != nil {
		// Ключ оформления с неизвестным исходом не освобождается, чтобы повтор не привёл к двойному платежу.
		if apperr.KindOf(err) != apperr.KindReconciliation {
			if abortErr := s.guard.Abort(context.WithoutCancel(ctx), req.UserID, idemKey); abortErr != nil {
				s.logger.Warn("failed to release idempotency key", zap.Error(abortErr))
			}
		}
		return nil, false, err
	}

	if err := s.guard.Complete(context.WithoutCancel(ctx), req.UserID, idemKey, order.ID); err != nil {
		s.logger.Warn("failed to store idempotency key",
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
	}
	return order, true, nil
}

// GetOrders возвращает заказы пользователя, новые первыми.
func (s *Service) GetOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// GetOrder возвращает заказ пользователя. Чужой заказ не отличается от отсутствующего.
func (s *Service) GetOrder(ctx context.Context, userID, id string) (*model.Order, error) {
	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, apperr.ErrOrderNotFound
	}
	return o, nil
}

// StartReconciliationReporter запускает фоновый процесс, который периодически
// публикует число оформлений, ожидающих ручной сверки.
func (s *Service) StartReconciliationReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reportReconciliations(ctx)
			}
		}
	}()
}

func (s *Service) reportReconciliations(ctx context.Context) {
	n, err := s.repo.CountPendingReconciliations(ctx)
	if err != nil {
		s.logger.Warn("failed to count reconciliations", zap.Error(err))
		return
	}

	s.metrics.SetPendingReconciliations(n)
	if n > 0 {
		s.logger.Warn("checkouts are waiting for manual reconciliation", zap.Int("count", n))
	}
}
