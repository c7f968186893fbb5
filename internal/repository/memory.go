package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
	"github.com/mmeshcher/checkout-settlement/internal/model"
)

type reservationKey struct {
	checkoutID string
	productID  string
}

type ledgerKey struct {
	checkoutID string
	code       string
}

type stockReservation struct {
	qty      int
	released bool
}

// MemoryRepository хранит данные в памяти процесса. Семантика условных обновлений
// и журналов совпадает с PostgresRepository.
type MemoryRepository struct {
	mu sync.Mutex

	products  map[string]model.Product
	coupons   map[string]model.Coupon
	giftCards map[string]model.GiftCard
	orders    map[string]model.Order

	reservations map[reservationKey]stockReservation
	redemptions  map[ledgerKey]struct{}
	debits       map[ledgerKey]decimal.Decimal

	reconciliations map[string]model.Reconciliation
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		products:        make(map[string]model.Product),
		coupons:         make(map[string]model.Coupon),
		giftCards:       make(map[string]model.GiftCard),
		orders:          make(map[string]model.Order),
		reservations:    make(map[reservationKey]stockReservation),
		redemptions:     make(map[ledgerKey]struct{}),
		debits:          make(map[ledgerKey]decimal.Decimal),
		reconciliations: make(map[string]model.Reconciliation),
	}
}

// GetProduct возвращает товар или apperr.ErrProductNotFound.
func (m *MemoryRepository) GetProduct(_ context.Context, id string) (*model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return nil, apperr.ErrProductNotFound.With("product %s not found", id)
	}
	return &p, nil
}

// UpsertProduct создаёт или заменяет товар.
func (m *MemoryRepository) UpsertProduct(_ context.Context, p model.Product) error {
	if p.Stock < 0 {
		return apperr.Validation("stock must not be negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.products[p.ID] = p
	return nil
}

// DecrementStock списывает qty единиц товара под оформление checkoutID.
// Возвращает false, если остатка не хватает. Повторный вызов для того же оформления ничего не меняет.
func (m *MemoryRepository) DecrementStock(_ context.Context, checkoutID, productID string, qty int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := reservationKey{checkoutID: checkoutID, productID: productID}
	if _, ok := m.reservations[key]; ok {
		return true, nil
	}

	p, ok := m.products[productID]
	if !ok || p.Stock < qty {
		return false, nil
	}
	p.Stock -= qty
	m.products[productID] = p
	m.reservations[key] = stockReservation{qty: qty}
	return true, nil
}

// ReleaseStock возвращает остаток, списанный под оформление. Без записи в журнале резервов ничего не делает.
func (m *MemoryRepository) ReleaseStock(_ context.Context, checkoutID, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := reservationKey{checkoutID: checkoutID, productID: productID}
	res, ok := m.reservations[key]
	if !ok || res.released {
		return nil
	}
	res.released = true
	m.reservations[key] = res

	if p, ok := m.products[productID]; ok {
		p.Stock += res.qty
		m.products[productID] = p
	}
	return nil
}

// GetCoupon возвращает купон по коду без учёта регистра.
func (m *MemoryRepository) GetCoupon(_ context.Context, code string) (*model.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.coupons[model.NormalizeCouponCode(code)]
	if !ok {
		return nil, apperr.ErrCouponNotFound
	}
	return &c, nil
}

// UpsertCoupon создаёт или заменяет купон.
func (m *MemoryRepository) UpsertCoupon(_ context.Context, c model.Coupon) error {
	if !c.DiscountType.Valid() {
		return apperr.Validation("unknown discount type %q", c.DiscountType)
	}
	c.Code = model.NormalizeCouponCode(c.Code)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.coupons[c.Code]; ok {
		c.UsedCount = existing.UsedCount
	}
	m.coupons[c.Code] = c
	return nil
}

// IncrementCouponUsage увеличивает счётчик использований купона, если лимит не исчерпан.
func (m *MemoryRepository) IncrementCouponUsage(_ context.Context, checkoutID, code string) (bool, error) {
	code = model.NormalizeCouponCode(code)

	m.mu.Lock()
	defer m.mu.Unlock()

	key := ledgerKey{checkoutID: checkoutID, code: code}
	if _, ok := m.redemptions[key]; ok {
		return true, nil
	}

	c, ok := m.coupons[code]
	if !ok || !c.IsActive || c.Exhausted() {
		return false, nil
	}
	c.UsedCount++
	m.coupons[code] = c
	m.redemptions[key] = struct{}{}
	return true, nil
}

// DecrementCouponUsage отменяет использование купона оформлением checkoutID.
func (m *MemoryRepository) DecrementCouponUsage(_ context.Context, checkoutID, code string) error {
	code = model.NormalizeCouponCode(code)

	m.mu.Lock()
	defer m.mu.Unlock()

	key := ledgerKey{checkoutID: checkoutID, code: code}
	if _, ok := m.redemptions[key]; !ok {
		return nil
	}
	delete(m.redemptions, key)

	if c, ok := m.coupons[code]; ok && c.UsedCount > 0 {
		c.UsedCount--
		m.coupons[code] = c
	}
	return nil
}

// GetGiftCard возвращает подарочную карту по коду.
func (m *MemoryRepository) GetGiftCard(_ context.Context, code string) (*model.GiftCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.giftCards[model.NormalizeGiftCardCode(code)]
	if !ok {
		return nil, apperr.ErrGiftCardNotFound
	}
	return &g, nil
}

// UpsertGiftCard создаёт или заменяет подарочную карту.
func (m *MemoryRepository) UpsertGiftCard(_ context.Context, g model.GiftCard) error {
	if !g.InitialAmount.IsPositive() {
		return apperr.Validation("initial amount must be positive")
	}
	if g.CurrentBalance.IsNegative() || g.CurrentBalance.GreaterThan(g.InitialAmount) {
		return apperr.Validation("balance must be between 0 and the initial amount")
	}
	g.Code = model.NormalizeGiftCardCode(g.Code)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.giftCards[g.Code]; ok {
		existing.IsActive = g.IsActive
		existing.ExpiresAt = g.ExpiresAt
		m.giftCards[g.Code] = existing
		return nil
	}
	m.giftCards[g.Code] = g
	return nil
}

// DebitGiftCard списывает amount с карты. Возвращает false, если баланса не хватает.
func (m *MemoryRepository) DebitGiftCard(_ context.Context, checkoutID, code string, amount decimal.Decimal) (bool, error) {
	code = model.NormalizeGiftCardCode(code)
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return false, apperr.Validation("debit amount must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := ledgerKey{checkoutID: checkoutID, code: code}
	if _, ok := m.debits[key]; ok {
		return true, nil
	}

	g, ok := m.giftCards[code]
	if !ok || !g.IsActive || g.CurrentBalance.LessThan(amount) {
		return false, nil
	}
	g.CurrentBalance = g.CurrentBalance.Sub(amount)
	m.giftCards[code] = g
	m.debits[key] = amount
	return true, nil
}

// RefundGiftCard возвращает на карту сумму, списанную оформлением checkoutID.
func (m *MemoryRepository) RefundGiftCard(_ context.Context, checkoutID, code string) error {
	code = model.NormalizeGiftCardCode(code)

	m.mu.Lock()
	defer m.mu.Unlock()

	key := ledgerKey{checkoutID: checkoutID, code: code}
	amount, ok := m.debits[key]
	if !ok {
		return nil
	}
	delete(m.debits, key)

	g, ok := m.giftCards[code]
	if !ok {
		return nil
	}
	if restored := g.CurrentBalance.Add(amount); !restored.GreaterThan(g.InitialAmount) {
		g.CurrentBalance = restored
		m.giftCards[code] = g
	}
	return nil
}

// CreateOrder сохраняет заказ. Повторная запись того же заказа не считается ошибкой.
func (m *MemoryRepository) CreateOrder(_ context.Context, o model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.orders[o.ID]; ok {
		if existing.UserID == o.UserID {
			return nil
		}
		return apperr.ErrConcurrencyConflict.With("order %s already exists", o.ID)
	}
	o.LineItems = append([]model.LineItem(nil), o.LineItems...)
	m.orders[o.ID] = o
	return nil
}

// DeleteOrder удаляет заказ, пока он в статусе pending.
func (m *MemoryRepository) DeleteOrder(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.orders[id]; ok && o.Status == model.OrderStatusPending {
		delete(m.orders, id)
	}
	return nil
}

// GetOrder возвращает заказ или apperr.ErrOrderNotFound.
func (m *MemoryRepository) GetOrder(_ context.Context, id string) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, apperr.ErrOrderNotFound
	}
	o.LineItems = append([]model.LineItem(nil), o.LineItems...)
	return &o, nil
}

// GetOrdersByUser возвращает заказы пользователя, новые первыми.
func (m *MemoryRepository) GetOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var orders []model.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			o.LineItems = append([]model.LineItem(nil), o.LineItems...)
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// CreateReconciliation сохраняет запись для ручной сверки.
func (m *MemoryRepository) CreateReconciliation(_ context.Context, rec model.Reconciliation) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reconciliations[rec.ID]; !ok {
		m.reconciliations[rec.ID] = rec
	}
	return nil
}

// CountPendingReconciliations возвращает число неразобранных записей сверки.
func (m *MemoryRepository) CountPendingReconciliations(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.reconciliations), nil
}

// Ping всегда успешен.
func (m *MemoryRepository) Ping(_ context.Context) error {
	return nil
}

// Close ничего не освобождает.
func (m *MemoryRepository) Close() error {
	return nil
}
