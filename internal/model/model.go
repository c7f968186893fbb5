// Package model содержит доменные сущности движка расчёта заказов.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Product описывает товар каталога с остатком на складе.
type Product struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Stock    int
	IsActive bool
}

// DiscountType определяет способ расчёта скидки по купону.
type DiscountType string

const (
	DiscountPercentage   DiscountType = "percentage"
	DiscountFixed        DiscountType = "fixed"
	DiscountFreeShipping DiscountType = "free_shipping"
)

// Valid сообщает, известен ли тип скидки.
func (t DiscountType) Valid() bool {
	switch t {
	case DiscountPercentage, DiscountFixed, DiscountFreeShipping:
		return true
	}
	return false
}

// Coupon описывает купон на скидку.
type Coupon struct {
	Code            string
	DiscountType    DiscountType
	DiscountValue   decimal.Decimal
	MinimumAmount   *decimal.Decimal
	MaximumDiscount *decimal.Decimal
	StartDate       time.Time
	EndDate         time.Time
	UsageLimit      *int
	UsedCount       int
	IsActive        bool
}

// NormalizeCouponCode приводит код купона к каноническому виду.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Exhausted сообщает, достигнут ли лимит использований купона.
func (c *Coupon) Exhausted() bool {
	return c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit
}

// GiftCard описывает подарочную карту.
type GiftCard struct {
	Code           string
	InitialAmount  decimal.Decimal
	CurrentBalance decimal.Decimal
	IsActive       bool
	ExpiresAt      *time.Time
}

// NormalizeGiftCardCode приводит код подарочной карты к каноническому виду.
func NormalizeGiftCardCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsRedeemed вычисляется из баланса и нигде не хранится.
func (g *GiftCard) IsRedeemed() bool {
	return g.CurrentBalance.Sign() <= 0
}

// Expired сообщает, истёк ли срок действия карты на момент now.
func (g *GiftCard) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusReturned  OrderStatus = "returned"
)

// Address описывает адрес доставки или плательщика.
type Address struct {
	FullName   string `json:"fullName" validate:"required,max=200"`
	Line1      string `json:"line1" validate:"required,max=300"`
	Line2      string `json:"line2,omitempty" validate:"max=300"`
	City       string `json:"city" validate:"required,max=100"`
	PostalCode string `json:"postalCode" validate:"required,max=20"`
	Country    string `json:"country" validate:"required,max=60"`
	Phone      string `json:"phone,omitempty" validate:"max=40"`
}

// LineItem описывает позицию заказа с ценой на момент покупки.
type LineItem struct {
	ProductID       string
	Quantity        int
	Variant         string
	UnitPriceAtTime decimal.Decimal
}

// Order описывает зафиксированный заказ пользователя.
type Order struct {
	ID               string
	UserID           string
	Status           OrderStatus
	Subtotal         decimal.Decimal
	CouponDiscount   decimal.Decimal
	GiftCardAmount   decimal.Decimal
	TotalAmount      decimal.Decimal
	AppliedCoupon    string
	AppliedGiftCard  string
	ShippingWaived   bool
	PaymentReference string
	ShippingAddress  Address
	BillingAddress   Address
	LineItems        []LineItem
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CartLine описывает строку корзины, принадлежащей вызывающей стороне.
type CartLine struct {
	ProductID string
	Quantity  int
	Variant   string
	UnitPrice decimal.Decimal
}

// CartSnapshot описывает неизменяемый снимок корзины на момент оформления.
type CartSnapshot struct {
	Lines []CartLine
}

// Subtotal возвращает сумму строк корзины по их ценам.
func (c CartSnapshot) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.Lines {
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return total.Round(2)
}

// DiscountBreakdown объединяет купон и подарочную карту в один расчёт.
type DiscountBreakdown struct {
	Subtotal       decimal.Decimal
	CouponCode     string
	CouponDiscount decimal.Decimal
	GiftCardCode   string
	GiftCardAmount decimal.Decimal
	ShippingWaived bool
	FinalAmount    decimal.Decimal
}

// Reconciliation описывает ситуацию, требующую ручной сверки.
type Reconciliation struct {
	ID         string
	CheckoutID string
	Reason     string
	Details    map[string]any
	CreatedAt  time.Time
}
