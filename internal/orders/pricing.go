package orders

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-perfume-shop/internal/apperr"
	"github.com/ariefcatur/go-perfume-shop/internal/catalog"
)

const (
	DefaultShippingCost int64 = 50000
	minQuantity               = 1
	maxQuantity               = 100
)

var (
	ErrEmptyOrder         = apperr.New(apperr.BadRequest, "order must contain at least one product")
	ErrInvalidQuantity    = apperr.New(apperr.BadRequest, "quantity must be between 1 and 100")
	ErrInvalidVolume      = apperr.New(apperr.BadRequest, "volume must be one of 30, 50 or 100")
	ErrProductNotFound    = apperr.New(apperr.NotFound, "product not found")
	ErrProductUnavailable = apperr.New(apperr.Conflict, "product is not available")
)

var volumeMultipliers = map[Volume]decimal.Decimal{
	Volume30:  decimal.NewFromInt(1),
	Volume50:  decimal.RequireFromString("1.4"),
	Volume100: decimal.RequireFromString("2.1"),
}

func (v Volume) Multiplier() (decimal.Decimal, bool) {
	m, ok := volumeMultipliers[v]
	return m, ok
}

type LinePrice struct {
	ProductID string
	Price     int64
	Discount  int64
}

type Quote struct {
	Lines         []LinePrice
	Subtotal      int64
	TotalDiscount int64
	ShippingCost  int64
	TotalPrice    int64
}

// Pricer computes order prices. It does no I/O.
type Pricer struct {
	ShippingCost int64
}

// Price prices lines against products. Every line is validated before anything is
// computed, so one bad line rejects the whole order. Line prices and discounts are
// rounded to whole currency units individually, which keeps
// TotalPrice == Subtotal - TotalDiscount + ShippingCost exact.
func (p Pricer) Price(lines []BoughtProduct, products map[string]catalog.Product, now time.Time) (Quote, error) {
	if len(lines) == 0 {
		return Quote{}, ErrEmptyOrder
	}
	for _, l := range lines {
		if l.Quantity < minQuantity || l.Quantity > maxQuantity {
			return Quote{}, errors.Wrapf(ErrInvalidQuantity, "product %s", l.ProductID)
		}
		if _, ok := l.Volume.Multiplier(); !ok {
			return Quote{}, errors.Wrapf(ErrInvalidVolume, "volume %d", l.Volume)
		}
		product, ok := products[l.ProductID]
		if !ok {
			return Quote{}, errors.Wrapf(ErrProductNotFound, "product %s", l.ProductID)
		}
		if !product.Availability {
			return Quote{}, errors.Wrapf(ErrProductUnavailable, "product %s", l.ProductID)
		}
	}

	hundred := decimal.NewFromInt(100)
	q := Quote{Lines: make([]LinePrice, 0, len(lines)), ShippingCost: p.ShippingCost}
	for _, l := range lines {
		product := products[l.ProductID]
		multiplier, _ := l.Volume.Multiplier()

		line := decimal.NewFromInt(product.Price).
			Mul(multiplier).
			Mul(decimal.NewFromInt(int64(l.Quantity))).
			Round(0)

		lp := LinePrice{ProductID: l.ProductID, Price: line.IntPart()}
		if f := product.ActiveFestival(now); f != nil {
			lp.Discount = line.Mul(decimal.NewFromInt(int64(f.OffPercentage))).Div(hundred).Round(0).IntPart()
		}

		q.Lines = append(q.Lines, lp)
		q.Subtotal += lp.Price
		q.TotalDiscount += lp.Discount
	}
	q.TotalPrice = q.Subtotal - q.TotalDiscount + q.ShippingCost
	return q, nil
}
