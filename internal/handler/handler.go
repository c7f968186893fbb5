// Package handler содержит HTTP-обработчики API движка расчёта заказов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
	"github.com/mmeshcher/checkout-settlement/internal/middleware"
	"github.com/mmeshcher/checkout-settlement/internal/model"
	"github.com/mmeshcher/checkout-settlement/internal/service"
	"github.com/mmeshcher/checkout-settlement/internal/settlement"
	"github.com/mmeshcher/checkout-settlement/internal/validation"
)

const (
	idempotencyHeader = "Idempotency-Key"
	maxBodyBytes      = 1 << 20
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error
	ValidateCoupon(ctx context.Context, code string, subtotal decimal.Decimal) (service.CouponQuote, error)
	ApplyCoupon(ctx context.Context, code string, orderAmount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error)
	ValidateGiftCard(ctx context.Context, code string) (decimal.Decimal, error)
	RedeemGiftCard(ctx context.Context, code string, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error)
	Quote(ctx context.Context, req settlement.Request) (model.DiscountBreakdown, error)
	CreateOrder(ctx context.Context, idemKey string, req settlement.Request) (*model.Order, bool, error)
	GetOrders(ctx context.Context, userID string) ([]model.Order, error)
	GetOrder(ctx context.Context, userID, id string) (*model.Order, error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	validate       *validatorv10.Validate
	gatherer       prometheus.Gatherer
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// gatherer используется для /metrics; nil означает реестр по умолчанию.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, gatherer prometheus.Gatherer) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		validate:       validation.New(),
		gatherer:       gatherer,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response error", zap.Error(err))
	}
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation, apperr.KindBusinessRule:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError переводит ошибку в HTTP-ответ. Внутренние ошибки и ошибки сверки
// наружу не раскрываются и только логируются.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(apperr.KindOf(err))
	if status == http.StatusInternalServerError {
		h.logger.Error(op+" error",
			zap.Error(err),
			zap.String("code", apperr.CodeOf(err)),
			zap.String("uri", r.RequestURI),
		)
		h.writeJSON(w, status, errorResponse{Error: "internal server error", Code: "internal_error"})
		return
	}

	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	h.writeJSON(w, status, errorResponse{Error: msg, Code: apperr.CodeOf(err)})
}

func (h *Handler) decode(r *http.Request, out any) error {
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		return apperr.Validation("invalid request body")
	}
	return validation.Struct(h.validate, out)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return userID, ok
}

// Health проверяет доступность хранилища.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type validateCouponRequest struct {
	Code     string          `json:"code" validate:"required,code"`
	Subtotal decimal.Decimal `json:"subtotal" validate:"gte=0"`
}

type validateCouponResponse struct {
	Valid          bool    `json:"valid"`
	DiscountAmount float64 `json:"discountAmount"`
	ShippingWaived bool    `json:"shippingWaived"`
}

// ValidateCoupon проверяет купон без изменения счётчика использований.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req validateCouponRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "validate coupon", err)
		return
	}

	q, err := h.service.ValidateCoupon(r.Context(), req.Code, req.Subtotal)
	if err != nil {
		h.writeError(w, r, "validate coupon", err)
		return
	}

	h.writeJSON(w, http.StatusOK, validateCouponResponse{
		Valid:          q.Valid,
		DiscountAmount: q.DiscountAmount.InexactFloat64(),
		ShippingWaived: q.ShippingWaived,
	})
}

type applyCouponRequest struct {
	Code        string          `json:"code" validate:"required,code"`
	OrderAmount decimal.Decimal `json:"orderAmount" validate:"gte=0"`
}

type applyCouponResponse struct {
	DiscountAmount float64 `json:"discountAmount"`
	FinalAmount    float64 `json:"finalAmount"`
}

// ApplyCoupon применяет купон и засчитывает одно использование.
func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	var req applyCouponRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "apply coupon", err)
		return
	}

	discount, final, err := h.service.ApplyCoupon(r.Context(), req.Code, req.OrderAmount)
	if err != nil {
		h.writeError(w, r, "apply coupon", err)
		return
	}

	h.writeJSON(w, http.StatusOK, applyCouponResponse{
		DiscountAmount: discount.InexactFloat64(),
		FinalAmount:    final.InexactFloat64(),
	})
}

type validateGiftCardRequest struct {
	Code string `json:"code" validate:"required,code"`
}

type validateGiftCardResponse struct {
	Valid   bool    `json:"valid"`
	Balance float64 `json:"balance"`
}

// ValidateGiftCard проверяет подарочную карту и возвращает её баланс.
func (h *Handler) ValidateGiftCard(w http.ResponseWriter, r *http.Request) {
	var req validateGiftCardRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "validate gift card", err)
		return
	}

	balance, err := h.service.ValidateGiftCard(r.Context(), req.Code)
	if err != nil {
		h.writeError(w, r, "validate gift card", err)
		return
	}

	h.writeJSON(w, http.StatusOK, validateGiftCardResponse{Valid: true, Balance: balance.InexactFloat64()})
}

type redeemGiftCardRequest struct {
	Code   string          `json:"code" validate:"required,code"`
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
}

type redeemGiftCardResponse struct {
	RedeemedAmount   float64 `json:"redeemedAmount"`
	RemainingBalance float64 `json:"remainingBalance"`
}

// RedeemGiftCard списывает сумму с подарочной карты.
func (h *Handler) RedeemGiftCard(w http.ResponseWriter, r *http.Request) {
	var req redeemGiftCardRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "redeem gift card", err)
		return
	}

	redeemed, remaining, err := h.service.RedeemGiftCard(r.Context(), req.Code, req.Amount)
	if err != nil {
		h.writeError(w, r, "redeem gift card", err)
		return
	}

	h.writeJSON(w, http.StatusOK, redeemGiftCardResponse{
		RedeemedAmount:   redeemed.InexactFloat64(),
		RemainingBalance: remaining.InexactFloat64(),
	})
}

type cartItemRequest struct {
	ProductID string `json:"productId" validate:"required,max=64"`
	Quantity  int    `json:"quantity" validate:"min=1,max=1000"`
	Variant   string `json:"variant,omitempty" validate:"max=100"`
}

type quoteRequest struct {
	Items          []cartItemRequest `json:"items" validate:"required,min=1,max=100,dive"`
	CouponCode     string            `json:"couponCode,omitempty" validate:"code"`
	GiftCardCode   string            `json:"giftCardCode,omitempty" validate:"code"`
	GiftCardAmount decimal.Decimal   `json:"giftCardAmount" validate:"gte=0"`
}

type breakdownResponse struct {
	Subtotal       float64 `json:"subtotal"`
	CouponCode     string  `json:"couponCode,omitempty"`
	CouponDiscount float64 `json:"couponDiscount"`
	GiftCardCode   string  `json:"giftCardCode,omitempty"`
	GiftCardAmount float64 `json:"giftCardAmount"`
	ShippingWaived bool    `json:"shippingWaived"`
	FinalAmount    float64 `json:"finalAmount"`
}

func cartItems(items []cartItemRequest) []settlement.CartItem {
	out := make([]settlement.CartItem, 0, len(items))
	for _, it := range items {
		out = append(out, settlement.CartItem{
			ProductID: strings.TrimSpace(it.ProductID),
			Quantity:  it.Quantity,
			Variant:   it.Variant,
		})
	}
	return out
}

// Quote рассчитывает стоимость корзины со скидками без резервов и списаний.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req quoteRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "quote", err)
		return
	}

	b, err := h.service.Quote(r.Context(), settlement.Request{
		UserID:         userID,
		Items:          cartItems(req.Items),
		CouponCode:     req.CouponCode,
		GiftCardCode:   req.GiftCardCode,
		GiftCardAmount: req.GiftCardAmount,
	})
	if err != nil {
		h.writeError(w, r, "quote", err)
		return
	}

	h.writeJSON(w, http.StatusOK, breakdownResponse{
		Subtotal:       b.Subtotal.InexactFloat64(),
		CouponCode:     b.CouponCode,
		CouponDiscount: b.CouponDiscount.InexactFloat64(),
		GiftCardCode:   b.GiftCardCode,
		GiftCardAmount: b.GiftCardAmount.InexactFloat64(),
		ShippingWaived: b.ShippingWaived,
		FinalAmount:    b.FinalAmount.InexactFloat64(),
	})
}

type createOrderRequest struct {
	TotalAmount     decimal.Decimal   `json:"totalAmount" validate:"gte=0"`
	ShippingAddress model.Address     `json:"shippingAddress"`
	BillingAddress  model.Address     `json:"billingAddress"`
	Items           []cartItemRequest `json:"items" validate:"required,min=1,max=100,dive"`
	CouponCode      string            `json:"couponCode,omitempty" validate:"code"`
	GiftCardCode    string            `json:"giftCardCode,omitempty" validate:"code"`
	GiftCardAmount  decimal.Decimal   `json:"giftCardAmount" validate:"gte=0"`
}

type lineItemResponse struct {
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	Variant   string  `json:"variant,omitempty"`
	UnitPrice float64 `json:"unitPrice"`
}

type orderResponse struct {
	ID               string             `json:"id"`
	Status           string             `json:"status"`
	Subtotal         float64            `json:"subtotal"`
	CouponDiscount   float64            `json:"couponDiscount"`
	GiftCardAmount   float64            `json:"giftCardAmount"`
	TotalAmount      float64            `json:"totalAmount"`
	AppliedCoupon    string             `json:"appliedCoupon,omitempty"`
	AppliedGiftCard  string             `json:"appliedGiftCard,omitempty"`
	ShippingWaived   bool               `json:"shippingWaived"`
	PaymentReference string             `json:"paymentReference,omitempty"`
	ShippingAddress  model.Address      `json:"shippingAddress"`
	BillingAddress   model.Address      `json:"billingAddress"`
	Items            []lineItemResponse `json:"items"`
	CreatedAt        string             `json:"createdAt"`
}

func newOrderResponse(o *model.Order) orderResponse {
	items := make([]lineItemResponse, 0, len(o.LineItems))
	for _, li := range o.LineItems {
		items = append(items, lineItemResponse{
			ProductID: li.ProductID,
			Quantity:  li.Quantity,
			Variant:   li.Variant,
			UnitPrice: li.UnitPriceAtTime.InexactFloat64(),
		})
	}

	return orderResponse{
		ID:               o.ID,
		Status:           string(o.Status),
		Subtotal:         o.Subtotal.InexactFloat64(),
		CouponDiscount:   o.CouponDiscount.InexactFloat64(),
		GiftCardAmount:   o.GiftCardAmount.InexactFloat64(),
		TotalAmount:      o.TotalAmount.InexactFloat64(),
		AppliedCoupon:    o.AppliedCoupon,
		AppliedGiftCard:  o.AppliedGiftCard,
		ShippingWaived:   o.ShippingWaived,
		PaymentReference: o.PaymentReference,
		ShippingAddress:  o.ShippingAddress,
		BillingAddress:   o.BillingAddress,
		Items:            items,
		CreatedAt:        o.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// CreateOrder оформляет заказ. Повтор с тем же Idempotency-Key возвращает
// ранее созданный заказ со статусом 200 вместо 201.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "create order", err)
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if len(key) > 128 {
		h.writeError(w, r, "create order", apperr.Validation("%s header is too long", idempotencyHeader))
		return
	}

	total := req.TotalAmount
	order, created, err := h.service.CreateOrder(r.Context(), key, settlement.Request{
		UserID:          userID,
		Items:           cartItems(req.Items),
		CouponCode:      req.CouponCode,
		GiftCardCode:    req.GiftCardCode,
		GiftCardAmount:  req.GiftCardAmount,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		ExpectedTotal:   &total,
	})
	if err != nil {
		h.writeError(w, r, "create order", err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	h.writeJSON(w, status, newOrderResponse(order))
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	orders, err := h.service.GetOrders(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, "get orders", err)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, newOrderResponse(&orders[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetOrder возвращает заказ текущего пользователя по идентификатору.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	order, err := h.service.GetOrder(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "get order", err)
		return
	}

	h.writeJSON(w, http.StatusOK, newOrderResponse(order))
}
