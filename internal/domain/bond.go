package domain

import "time"

// BondStatus is the lifecycle state of a listed bond.
type BondStatus string

const (
	BondStatusActive   BondStatus = "active"
	BondStatusInactive BondStatus = "inactive"
	BondStatusMatured  BondStatus = "matured"
	BondStatusDelisted BondStatus = "delisted"
)

// Bond is a tokenized bond listing with a decrementing pool of sellable units.
// UnitsAvailable never goes below zero; it only decreases on a committed buy
// and only increases on a committed sell.
type Bond struct {
	ID             string     `json:"bond_id"`
	Name           string     `json:"name"`
	Issuer         string     `json:"issuer"`
	CouponRate     float64    `json:"coupon_rate"`
	FaceValue      float64    `json:"face_value"`
	MaturityDate   time.Time  `json:"maturity_date"`
	UnitsAvailable int64      `json:"units_available"`
	UnitsSold      int64      `json:"units_sold"`
	Status         BondStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Tradeable reports whether the bond accepts new buy orders.
func (b Bond) Tradeable() bool {
	return b.Status == BondStatusActive
}
