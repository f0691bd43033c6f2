package domain

import "time"

// Location is a single GPS fix.
type Location struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Valid reports whether the coordinates are on the globe.
func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

// DriverLocation is the latest known position of the driver serving an order.
type DriverLocation struct {
	OrderID  string   `json:"order_id"`
	DriverID string   `json:"driver_id"`
	Location Location `json:"location"`
}

// ClientLocation is a client fix relayed to the driver. It is never stored.
type ClientLocation struct {
	OrderID  string   `json:"order_id"`
	Location Location `json:"location"`
}
