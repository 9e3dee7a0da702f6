package domain

// CatalogEntry is one listing card scanned from a catalog results page.
type CatalogEntry struct {
	// Href is the listing link; the numeric identifier is extracted from it.
	Href string
	// Title as shown in the catalog, unnormalized. Used both for filtering
	// and for strict comparison against stored titles.
	Title string
	// Seller nickname shown on the card, empty when the layout omits it.
	Seller string
	// Price parsed from the card. Nil when the card carries no parseable
	// price; on a thresholded query that is a rejection, not a pass-through.
	Price *float64
	// StopMarker is true when the card sits at or past the "fewer matching
	// words" boundary; everything from this card on is ignored.
	StopMarker bool
}

// CatalogPage is the parsed form of one catalog results page.
type CatalogPage struct {
	Entries []CatalogEntry
	// HasNext reports whether a next-page control was found.
	HasNext bool
}
