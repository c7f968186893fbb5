// Package apperr описывает типизированные ошибки движка расчёта со стабильными кодами причин.
package apperr

import (
	"errors"
	"fmt"
)

// Kind классифицирует ошибку для выбора политики повтора и HTTP-статуса.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindBusinessRule
	KindConflict
	KindExternal
	KindReconciliation
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindBusinessRule:
		return "business_rule"
	case KindConflict:
		return "conflict"
	case KindExternal:
		return "external"
	case KindReconciliation:
		return "reconciliation"
	default:
		return "internal"
	}
}

// Error описывает ошибку с машиночитаемым кодом причины и сообщением для пользователя.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is сравнивает ошибки по коду причины, поэтому errors.Is работает с производными ошибками.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// With возвращает копию ошибки с уточнённым сообщением.
func (e *Error) With(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap возвращает копию ошибки с вложенной причиной.
func (e *Error) Wrap(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

// New создаёт ошибку указанного вида.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// KindOf возвращает вид ошибки; неизвестные ошибки считаются внутренними.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf возвращает код причины или "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

var (
	ErrValidation    = New(KindValidation, "validation_error", "invalid request")
	ErrTotalMismatch = New(KindValidation, "total_mismatch", "order total does not match the computed amount")

	ErrCouponNotFound   = New(KindNotFound, "coupon_not_found", "coupon not found")
	ErrGiftCardNotFound = New(KindNotFound, "gift_card_not_found", "gift card not found")
	ErrProductNotFound  = New(KindNotFound, "product_not_found", "product not found")
	ErrOrderNotFound    = New(KindNotFound, "order_not_found", "order not found")

	ErrCouponInactive      = New(KindBusinessRule, "coupon_inactive", "coupon is not active")
	ErrCouponExpired       = New(KindBusinessRule, "coupon_expired", "coupon is not valid at this time")
	ErrCouponExhausted     = New(KindBusinessRule, "coupon_exhausted", "coupon usage limit reached")
	ErrBelowMinimum        = New(KindBusinessRule, "below_minimum", "order amount is below the coupon minimum")
	ErrCardInactive        = New(KindBusinessRule, "card_inactive", "gift card is not active")
	ErrCardExpired         = New(KindBusinessRule, "card_expired", "gift card has expired")
	ErrInsufficientBalance = New(KindBusinessRule, "insufficient_balance", "gift card balance is insufficient")
	ErrInsufficientStock   = New(KindBusinessRule, "insufficient_stock", "not enough stock")
	ErrProductInactive     = New(KindBusinessRule, "product_inactive", "product is not available")

	ErrCouponExhaustedRace  = New(KindConflict, "coupon_exhausted_race", "coupon was used up by a concurrent order")
	ErrGiftCardBalanceRace  = New(KindConflict, "gift_card_balance_race", "gift card balance changed during checkout")
	ErrReservationTimeout   = New(KindConflict, "reservation_timeout", "checkout took too long to reach payment")
	ErrConcurrencyConflict  = New(KindConflict, "concurrency_conflict", "lost a race on a shared resource")
	ErrCheckoutInProgress   = New(KindConflict, "checkout_in_progress", "a checkout with this idempotency key is in progress")
	ErrPaymentDeclined      = New(KindExternal, "payment_declined", "payment was declined")
	ErrPaymentUnavailable   = New(KindExternal, "payment_unavailable", "payment service is unavailable")
	ErrReconciliationNeeded = New(KindReconciliation, "reconciliation_required", "checkout requires manual reconciliation")
)

// InsufficientStock возвращает ошибку нехватки остатка с указанием товара.
func InsufficientStock(productID string) *Error {
	return ErrInsufficientStock.With("not enough stock for product %s", productID)
}

// Validation возвращает ошибку валидации с пояснением.
func Validation(format string, args ...any) *Error {
	return ErrValidation.With(format, args...)
}
