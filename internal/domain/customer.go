package domain

import "time"

// Customer roles.
const (
	RoleCustomer = "customer"
	RoleSeller   = "seller"
	RoleCourier  = "courier"
	RoleAdmin    = "admin"
)

// Customer segments.
const (
	SegmentNew     = "new"
	SegmentRegular = "regular"
	SegmentVIP     = "vip"
	SegmentPremium = "premium"
)

// Customer is the snapshot of the shopper supplied by the checkout flow.
type Customer struct {
	ID           string    `json:"id" validate:"required,max=128"`
	Role         string    `json:"role" validate:"required,oneof=customer seller courier admin"`
	Location     Location  `json:"location"`
	RegisteredAt time.Time `json:"registrationDate"`
	TotalOrders  int64     `json:"totalOrders" validate:"gte=0"`
	TotalSpent   Money     `json:"totalSpent"`
	Segment      string    `json:"segment" validate:"omitempty,oneof=new regular vip premium"`
}

// Location is a city/district pair with optional coordinates.
type Location struct {
	City        string       `json:"city,omitempty"`
	District    string       `json:"district,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// ValidRoles returns the set of known customer roles.
func ValidRoles() []string {
	return []string{RoleCustomer, RoleSeller, RoleCourier, RoleAdmin}
}

// ValidSegments returns the set of known customer segments.
func ValidSegments() []string {
	return []string{SegmentNew, SegmentRegular, SegmentVIP, SegmentPremium}
}
