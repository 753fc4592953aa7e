// Package model defines the domain records shared across the permitmap
// pipeline: permit locations, spatial clusters, and resolved address
// facets.
package model

import "time"

// Priority buckets for permit locations.
const (
	PriorityLow  = "low"
	PriorityMid  = "mid"
	PriorityHigh = "high"
)

// ValidPriority reports whether p is one of the known priority buckets.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMid, PriorityHigh:
		return true
	}
	return false
}

// Location is a single permit job site as served to map clients.
// Dataset plus RecordID identifies the row across re-ingests.
type Location struct {
	ID                int64     `json:"id"`
	Lat               float64   `json:"lat"`
	Lng               float64   `json:"lng"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	Dataset           string    `json:"dataset"`
	RecordID          string    `json:"record_id"`
	JobType           string    `json:"job_type"`
	Priority          string    `json:"priority"`
	PermitStatus      string    `json:"permit_status,omitempty"`
	PermitLastUpdated time.Time `json:"permit_last_updated"`
	Keywords          []string  `json:"keywords,omitempty"`
}
