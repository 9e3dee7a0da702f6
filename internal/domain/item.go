// Package domain provides domain models used across the application.
package domain

// Item represents one stored listing resolved from a detail page.
//
// Number is the listing's catalog identifier and is globally unique in the
// store. Re-discovery of an existing Number bumps only Cycle; every other
// field keeps its originally stored value.
type Item struct {
	ID                   int64   `db:"id" json:"id"`
	Query                string  `db:"query" json:"query"`
	Number               string  `db:"number" json:"number"`
	Price                float64 `db:"price" json:"price"`
	PriceWithoutDelivery float64 `db:"price_without_delivery" json:"price_without_delivery"`
	Location             *string `db:"location" json:"location,omitempty"`
	Condition            string  `db:"condition" json:"condition"`
	Title                *string `db:"title" json:"title,omitempty"`
	DeliveryPrice        float64 `db:"delivery_price" json:"delivery_price"`
	Seller               string  `db:"seller" json:"seller"`
	Cycle                int64   `db:"cycle" json:"cycle"`
	Archive              bool    `db:"archive" json:"archive"`
	NotActual            bool    `db:"not_actual" json:"not_actual"`
}

// ItemSpecific is one ordered key/value attribute pair owned by exactly one
// item row. Specifics are cascade-deleted with their item.
type ItemSpecific struct {
	ID     int64  `db:"id" json:"id"`
	Key    string `db:"key" json:"key"`
	Value  string `db:"value" json:"value"`
	ItemID int64  `db:"item_id" json:"item_id"`
}

// ItemDetail pairs a fully populated item row with the specifics parsed
// from its detail page, in page order.
type ItemDetail struct {
	Item      Item
	Specifics []SpecificPair
}

// SpecificPair is a single attribute extracted from a detail page.
type SpecificPair struct {
	Key   string
	Value string
}

const (
	// MaxLocationLen bounds the stored location column.
	MaxLocationLen = 510
	// MaxTitleLen bounds the stored title column.
	MaxTitleLen = 255
	// MaxSpecificKeyLen bounds a specific's key column.
	MaxSpecificKeyLen = 120
	// MaxSpecificValueLen bounds a specific's value column.
	MaxSpecificValueLen = 1280
)

// Truncate returns s cut to at most max bytes.
func Truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
