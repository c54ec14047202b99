package catalog

import (
	"strconv"
	"time"
)

// Product.Price is the base price of the 30ml bottle.
type Product struct {
	ID           string
	NameFA       string
	Price        int64
	Availability bool
	Festival     *Festival
}

// Festival is a time-bounded percentage discount on one product.
// Until holds epoch milliseconds as a string.
type Festival struct {
	ProductID     string
	OffPercentage int
	Until         string
}

// Active reports whether the festival is still running at now.
// A malformed Until never counts as active.
func (f *Festival) Active(now time.Time) bool {
	if f == nil {
		return false
	}
	until, err := strconv.ParseInt(f.Until, 10, 64)
	if err != nil {
		return false
	}
	return until >= now.UnixMilli()
}

// ActiveFestival returns the product's festival when it is active at now.
func (p Product) ActiveFestival(now time.Time) *Festival {
	if p.Festival.Active(now) {
		return p.Festival
	}
	return nil
}
