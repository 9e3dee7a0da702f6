// Package events records the per-entry decisions of the catalog pipeline:
// which listing was accepted, which was rejected and why. The sink is a
// seam for audit tooling; the default implementation just logs.
package events

import "context"

// Decision reasons emitted by the catalog pipeline.
const (
	ReasonAccepted        = "accepted"
	ReasonStopMarker      = "stop_marker"
	ReasonPriceAboveLimit = "price_above_limit"
	ReasonBlockedSeller   = "blocked_seller"
	ReasonSellerSeen      = "seller_seen"
	ReasonTitleBlocked    = "title_blocked"
	ReasonTitleSeen       = "title_seen"
	ReasonAlreadyStored   = "already_stored"
	ReasonClaimedByPeer   = "claimed_by_peer"
)

// Decision is one pipeline verdict about one catalog entry.
type Decision struct {
	Query  string
	Number string
	Seller string
	Reason string
	// Accepted is true only for entries that continue to harvesting.
	Accepted bool
}

// Sink receives pipeline decisions.
type Sink interface {
	Record(ctx context.Context, d Decision)
}
