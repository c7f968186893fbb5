// Package settlement оформляет заказ как одну логическую операцию: расчёт скидок,
// резерв остатков, авторизация платежа и фиксация заказа вместе с использованием
// купона и списанием с подарочной карты.
//
// Общие ресурсы меняются только условными обновлениями хранилища. При частичном сбое
// координатор выполняет компенсации в обратном порядке; если компенсация не удалась,
// оформление записывается для ручной сверки.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
	"github.com/mmeshcher/checkout-settlement/internal/clock"
	"github.com/mmeshcher/checkout-settlement/internal/discount"
	"github.com/mmeshcher/checkout-settlement/internal/events"
	"github.com/mmeshcher/checkout-settlement/internal/inventory"
	"github.com/mmeshcher/checkout-settlement/internal/metrics"
	"github.com/mmeshcher/checkout-settlement/internal/model"
	"github.com/mmeshcher/checkout-settlement/internal/payment"
)

// Ledger описывает операции хранилища, которыми пользуется координатор.
type Ledger interface {
	discount.Store

	GetProduct(ctx context.Context, id string) (*model.Product, error)

	IncrementCouponUsage(ctx context.Context, checkoutID, code string) (bool, error)
	DecrementCouponUsage(ctx context.Context, checkoutID, code string) error
	DebitGiftCard(ctx context.Context, checkoutID, code string, amount decimal.Decimal) (bool, error)
	RefundGiftCard(ctx context.Context, checkoutID, code string) error

	CreateOrder(ctx context.Context, o model.Order) error
	DeleteOrder(ctx context.Context, id string) error

	CreateReconciliation(ctx context.Context, rec model.Reconciliation) error
}

// Inventory резервирует и освобождает остатки.
type Inventory interface {
	Reserve(ctx context.Context, checkoutID string, items []inventory.Item) (*inventory.Reservation, error)
	Release(ctx context.Context, res *inventory.Reservation) error
}

// Authorizer авторизует платежи через платёжный шлюз.
type Authorizer interface {
	Authorize(ctx context.Context, amount decimal.Decimal, reference string) (payment.Authorization, error)
}

// Voider реализуют шлюзы, умеющие отменять авторизацию.
type Voider interface {
	Void(ctx context.Context, reference string) error
}

// Config задаёт ограничения оформления.
type Config struct {
	// ReserveTimeout ограничивает время от начала оформления до авторизации платежа.
	ReserveTimeout time.Duration
	// PaymentTimeout ограничивает ожидание ответа платёжного шлюза.
	PaymentTimeout time.Duration
	// CommitRetries задаёт число повторов шага фиксации при временной ошибке.
	CommitRetries uint64
}

// DefaultConfig возвращает значения по умолчанию.
func DefaultConfig() Config {
	return Config{
		ReserveTimeout: 10 * time.Second,
		PaymentTimeout: 15 * time.Second,
		CommitRetries:  3,
	}
}

// CartItem описывает позицию корзины в запросе на оформление.
type CartItem struct {
	ProductID string
	Quantity  int
	Variant   string
}

// Request описывает запрос на оформление заказа.
type Request struct {
	UserID          string
	Items           []CartItem
	CouponCode      string
	GiftCardCode    string
	GiftCardAmount  decimal.Decimal
	ShippingAddress model.Address
	BillingAddress  model.Address
	// ExpectedTotal содержит сумму, которую показали покупателю. nil отключает проверку.
	ExpectedTotal *decimal.Decimal
}

// Coordinator выполняет оформление заказов.
type Coordinator struct {
	ledger    Ledger
	quoter    *discount.Quoter
	inventory Inventory
	payments  Authorizer
	publisher events.Publisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *zap.Logger
	clock     clock.Clock
	cfg       Config

	commitBackoff     func() retry.Backoff
	compensateBackoff func() retry.Backoff
	newID             func() string
}

// Option настраивает Coordinator.
type Option func(*Coordinator)

// WithPublisher задаёт издателя событий.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger задаёт логгер.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock задаёт часы для проверки сроков купонов и карт.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithConfig задаёт ограничения оформления.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg }
}

// NewCoordinator создаёт координатор.
func NewCoordinator(ledger Ledger, inv Inventory, payments Authorizer, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:    ledger,
		inventory: inv,
		payments:  payments,
		publisher: events.Nop{},
		tracer:    otel.Tracer("github.com/mmeshcher/checkout-settlement/internal/settlement"),
		logger:    zap.NewNop(),
		clock:     clock.NewSystem(),
		cfg:       DefaultConfig(),
		newID:     newCheckoutID,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.quoter = discount.NewQuoter(ledger, c.clock)
	c.commitBackoff = func() retry.Backoff {
		return retry.WithMaxRetries(c.cfg.CommitRetries,
			retry.WithJitterPercent(20, retry.NewExponential(100*time.Millisecond)))
	}
	c.compensateBackoff = func() retry.Backoff {
		return retry.WithMaxRetries(5,
			retry.WithCappedDuration(2*time.Second, retry.NewExponential(100*time.Millisecond)))
	}
	return c
}

// Checkout оформляет заказ. Проигрыш гонки за общий ресурс повторяется один раз
// с новым идентификатором оформления.
func (c *Coordinator) Checkout(ctx context.Context, req Request) (*model.Order, error) {
	if err := validateRequest(req); err != nil {
		c.metrics.Checkout(apperr.CodeOf(err))
		return nil, err
	}

	order, err := c.checkout(ctx, req)
	if err != nil && retriableConflict(err) {
		c.logger.Info("checkout lost a race, retrying once",
			zap.String("user_id", req.UserID),
			zap.String("reason", apperr.CodeOf(err)),
		)
		order, err = c.checkout(ctx, req)
	}

	if err != nil {
		c.metrics.Checkout(apperr.CodeOf(err))
		return nil, err
	}
	c.metrics.Checkout("settled")
	return order, nil
}

// Quote рассчитывает стоимость корзины со скидками без изменений в хранилище.
func (c *Coordinator) Quote(ctx context.Context, req Request) (model.DiscountBreakdown, error) {
	if err := validateRequest(req); err != nil {
		return model.DiscountBreakdown{}, err
	}
	_, breakdown, err := c.price(ctx, req)
	return breakdown, err
}

func retriableConflict(err error) bool {
	return apperr.KindOf(err) == apperr.KindConflict && !errors.Is(err, apperr.ErrReservationTimeout)
}

func validateRequest(req Request) error {
	if req.UserID == "" {
		return apperr.Validation("user id is required")
	}
	if len(req.Items) == 0 {
		return apperr.Validation("order must contain at least one item")
	}
	for _, it := range req.Items {
		if it.ProductID == "" {
			return apperr.Validation("product id is required")
		}
		if it.Quantity <= 0 {
			return apperr.Validation("quantity for product %s must be positive", it.ProductID)
		}
	}
	if req.GiftCardAmount.IsNegative() {
		return apperr.Validation("gift card amount must not be negative")
	}
	return nil
}
