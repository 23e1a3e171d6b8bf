package domain

import "time"

// Holding is a user's recorded position in a specific bond: a unit count plus
// the weighted-average purchase price used as its cost basis.
type Holding struct {
	BondID   string  `json:"bond_id"`
	Quantity int64   `json:"quantity"`
	AvgPrice float64 `json:"avg_price"`
}

// CostBasis returns the average-cost value of the holding.
func (h Holding) CostBasis() float64 {
	return float64(h.Quantity) * h.AvgPrice
}

// Portfolio is a user's wallet balance plus their bond holdings. Each user
// owns exactly one portfolio, created lazily on first use. The balance never
// goes negative; TotalInvested is advisory bookkeeping, not authoritative.
type Portfolio struct {
	UserID        string    `json:"user_id"`
	Balance       float64   `json:"balance"`
	TotalInvested float64   `json:"total_invested"`
	Holdings      []Holding `json:"holdings"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// WeightedAvgPrice recomputes a holding's cost basis when adding units at a
// new price: (oldQty*oldAvg + addQty*addPrice) / (oldQty+addQty).
func WeightedAvgPrice(oldQty int64, oldAvg float64, addQty int64, addPrice float64) float64 {
	total := oldQty + addQty
	if total <= 0 {
		return 0
	}
	return (float64(oldQty)*oldAvg + float64(addQty)*addPrice) / float64(total)
}
