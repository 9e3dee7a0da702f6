package domain

import "time"

// HarvestJob is one unit of producer-to-worker work: run a full catalog pass
// for Query and resolve every new listing it yields.
type HarvestJob struct {
	ID         string    `json:"id"`
	Query      string    `json:"query"`
	MaxPrice   *float64  `json:"max_price,omitempty"`
	Proxy      *Proxy    `json:"proxy,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Task is one row of the producer's work source table.
type Task struct {
	Value    string `db:"value" json:"value"`
	Priority int    `db:"priority" json:"priority"`
}
