package orders

import "time"

// Volume is the bottle size in ml.
type Volume int

const (
	Volume30  Volume = 30
	Volume50  Volume = 50
	Volume100 Volume = 100
)

type BoughtProduct struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Volume    Volume `json:"volume"`
}

type Cancellation struct {
	DidSellerCanceled bool   `json:"didSellerCanceled"`
	Reason            string `json:"reason"`
}

type Opinion struct {
	Rate    int    `json:"rate"`
	Comment string `json:"comment,omitempty"`
}

// Order is a user's purchase. BoughtProducts, prices, Address and ShouldBeSentAt
// are fixed at creation; only Status, RefID, Canceled and Opinion change later.
type Order struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	BoughtProducts []BoughtProduct `json:"boughtProducts"`
	TotalPrice     int64           `json:"totalPrice"`
	TotalDiscount  *int64          `json:"totalDiscount,omitempty"`
	ShippingCost   int64           `json:"shippingCost"`
	Status         Status          `json:"status"`
	RefID          string          `json:"refId,omitempty"`
	Canceled       *Cancellation   `json:"canceled,omitempty"`
	Opinion        *Opinion        `json:"opinion,omitempty"`
	Address        string          `json:"address"`
	ShouldBeSentAt string          `json:"shouldBeSentAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func (o Order) ProductIDs() []string {
	seen := make(map[string]bool, len(o.BoughtProducts))
	ids := make([]string, 0, len(o.BoughtProducts))
	for _, bp := range o.BoughtProducts {
		if !seen[bp.ProductID] {
			seen[bp.ProductID] = true
			ids = append(ids, bp.ProductID)
		}
	}
	return ids
}

type ListFilter struct {
	UserID    string
	ProductID string
	Status    Status
}

type Page struct {
	Page  int
	Limit int
}

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

func (p Page) normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	return p
}

func (p Page) Offset() int { return (p.Page - 1) * p.Limit }

type ListResult struct {
	Count int64   `json:"count"`
	Items []Order `json:"items"`
}
