// Package payment предоставляет клиент внешнего платёжного шлюза.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
)

// ErrOutcomeUnknown означает, что шлюз мог принять платёж, но ответ не получен.
var ErrOutcomeUnknown = errors.New("payment outcome unknown")

// Authorization описывает результат успешной авторизации.
type Authorization struct {
	Reference string
	Amount    decimal.Decimal
}

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type authorizeRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

type authorizeResponse struct {
	Approved  bool   `json:"approved"`
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
}

// NewClient создаёт клиент шлюза. timeout ограничивает одно обращение к шлюзу.
func NewClient(baseURL string, timeout time.Duration) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Authorize запрашивает авторизацию суммы amount. reference содержит идентификатор оформления,
// по которому шлюз отличает повторные запросы.
//
// Ошибки: apperr.ErrPaymentDeclined при отказе, apperr.ErrPaymentUnavailable, если шлюз
// точно не принял запрос, ErrOutcomeUnknown, если ответ потерян после отправки.
func (c *Client) Authorize(ctx context.Context, amount decimal.Decimal, reference string) (Authorization, error) {
	if c == nil || c.baseURL == "" {
		return Authorization{}, apperr.ErrPaymentUnavailable.With("payment gateway not configured")
	}

	body, err := json.Marshal(authorizeRequest{Amount: amount.Round(2), Reference: reference})
	if err != nil {
		return Authorization{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/payments/authorize", bytes.NewReader(body))
	if err != nil {
		return Authorization{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", reference)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isDialError(err) {
			return Authorization{}, apperr.ErrPaymentUnavailable.Wrap(err)
		}
		return Authorization{}, fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		return Authorization{}, apperr.ErrPaymentDeclined
	case resp.StatusCode >= http.StatusInternalServerError:
		return Authorization{}, apperr.ErrPaymentUnavailable.With("payment gateway returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Authorization{}, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result authorizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Authorization{}, fmt.Errorf("%w: decode response: %v", ErrOutcomeUnknown, err)
	}
	if !result.Approved {
		if result.Reason != "" {
			return Authorization{}, apperr.ErrPaymentDeclined.With("payment was declined: %s", result.Reason)
		}
		return Authorization{}, apperr.ErrPaymentDeclined
	}

	ref := result.Reference
	if ref == "" {
		ref = reference
	}
	return Authorization{Reference: ref, Amount: amount}, nil
}

// Void отменяет ранее выполненную авторизацию. Отсутствующая авторизация не считается ошибкой.
func (c *Client) Void(ctx context.Context, reference string) error {
	if c == nil || c.baseURL == "" {
		return nil
	}

	url := fmt.Sprintf("%s/api/payments/%s/void", c.baseURL, reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
}

// isDialError сообщает, что соединение с шлюзом не было установлено и запрос не ушёл.
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}

// OfflineAuthorizer одобряет любой платёж без обращения к шлюзу.
// Используется, когда адрес шлюза не задан.
type OfflineAuthorizer struct{}

// Authorize одобряет платёж на всю сумму.
func (OfflineAuthorizer) Authorize(_ context.Context, amount decimal.Decimal, reference string) (Authorization, error) {
	return Authorization{Reference: "offline-" + reference, Amount: amount}, nil
}
