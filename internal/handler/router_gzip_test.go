package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/checkout-settlement/internal/service"
)

func TestValidateCoupon_GzipRoundTrip(t *testing.T) {
	svc := &stubService{
		couponQuote: service.CouponQuote{Valid: true, DiscountAmount: decimal.RequireFromString("12.50"), ShippingWaived: true},
	}
	h := newTestHandler(t, svc)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	require.NoError(t, json.NewEncoder(zw).Encode(map[string]any{"code": "SAVE10", "subtotal": 125}))
	require.NoError(t, zw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/coupons/validate", &buf)
	req.Header.Set("Authorization", "Bearer "+h.authMiddleware.Token("user-1"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Accept-Encoding", "gzip")

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	require.Equal(t, "gzip", res.Header.Get("Content-Encoding"))

	zr, err := gzip.NewReader(res.Body)
	require.NoError(t, err)
	defer zr.Close()

	var body validateCouponResponse
	require.NoError(t, json.NewDecoder(zr).Decode(&body))
	assert.True(t, body.Valid)
	assert.Equal(t, 12.5, body.DiscountAmount)
	assert.True(t, body.ShippingWaived)
}
