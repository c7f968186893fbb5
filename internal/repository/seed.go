package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/checkout-settlement/internal/model"
)

// Seeder создаёт справочные записи каталога, купонов и подарочных карт.
type Seeder interface {
	UpsertProduct(ctx context.Context, p model.Product) error
	UpsertCoupon(ctx context.Context, c model.Coupon) error
	UpsertGiftCard(ctx context.Context, g model.GiftCard) error
}

type seedFile struct {
	Products []struct {
		ID       string          `json:"id"`
		Name     string          `json:"name"`
		Price    decimal.Decimal `json:"price"`
		Stock    int             `json:"stock"`
		IsActive bool            `json:"isActive"`
	} `json:"products"`
	Coupons []struct {
		Code            string             `json:"code"`
		DiscountType    model.DiscountType `json:"discountType"`
		DiscountValue   decimal.Decimal    `json:"discountValue"`
		MinimumAmount   *decimal.Decimal   `json:"minimumAmount"`
		MaximumDiscount *decimal.Decimal   `json:"maximumDiscount"`
		StartDate       time.Time          `json:"startDate"`
		EndDate         time.Time          `json:"endDate"`
		UsageLimit      *int               `json:"usageLimit"`
		UsedCount       int                `json:"usedCount"`
		IsActive        bool               `json:"isActive"`
	} `json:"coupons"`
	GiftCards []struct {
		Code           string           `json:"code"`
		InitialAmount  decimal.Decimal  `json:"initialAmount"`
		CurrentBalance *decimal.Decimal `json:"currentBalance"`
		IsActive       bool             `json:"isActive"`
		ExpiresAt      *time.Time       `json:"expiresAt"`
	} `json:"giftCards"`
}

// LoadSeedFile читает JSON-файл со справочными данными и записывает их в хранилище.
// Баланс карты по умолчанию равен начальной сумме.
func LoadSeedFile(ctx context.Context, s Seeder, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}

	var f seedFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode seed file: %w", err)
	}

	for _, p := range f.Products {
		err := s.UpsertProduct(ctx, model.Product{
			ID: p.ID, Name: p.Name, Price: p.Price, Stock: p.Stock, IsActive: p.IsActive,
		})
		if err != nil {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
	}

	for _, c := range f.Coupons {
		err := s.UpsertCoupon(ctx, model.Coupon{
			Code:            c.Code,
			DiscountType:    c.DiscountType,
			DiscountValue:   c.DiscountValue,
			MinimumAmount:   c.MinimumAmount,
			MaximumDiscount: c.MaximumDiscount,
			StartDate:       c.StartDate,
			EndDate:         c.EndDate,
			UsageLimit:      c.UsageLimit,
			UsedCount:       c.UsedCount,
			IsActive:        c.IsActive,
		})
		if err != nil {
			return fmt.Errorf("seed coupon %s: %w", c.Code, err)
		}
	}

	for _, g := range f.GiftCards {
		balance := g.InitialAmount
		if g.CurrentBalance != nil {
			balance = *g.CurrentBalance
		}
		err := s.UpsertGiftCard(ctx, model.GiftCard{
			Code:           g.Code,
			InitialAmount:  g.InitialAmount,
			CurrentBalance: balance,
			IsActive:       g.IsActive,
			ExpiresAt:      g.ExpiresAt,
		})
		if err != nil {
			return fmt.Errorf("seed gift card %s: %w", g.Code, err)
		}
	}

	return nil
}
