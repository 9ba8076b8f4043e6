package core

import "time"

// SnapshotKind distinguishes a round's two price snapshots.
type SnapshotKind string

const (
	SnapshotOpening SnapshotKind = "opening"
	SnapshotClosing SnapshotKind = "closing"
)

// PriceSource is one oracle's contribution to a median price reading.
type PriceSource struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// PriceSnapshot is an immutable record of a price read taken for a round,
// together with the attestation hash so a downstream auditor can recompute
// it from the same fields and confirm nothing was altered after the fact.
type PriceSnapshot struct {
	ID              string        `json:"id"`
	RoundID         string        `json:"roundId"`
	Kind            SnapshotKind  `json:"kind"`
	Pair            string        `json:"pair"`
	MedianPrice     float64       `json:"medianPrice"`
	Sources         []PriceSource `json:"sources"`
	AttestationHash string        `json:"attestationHash"`
	FetchedAt       time.Time     `json:"fetchedAt"`
}

// AttestationFields is the canonical tuple hashed to produce a snapshot's
// attestation hash.
type AttestationFields struct {
	Pair        string        `json:"pair"`
	MedianPrice float64       `json:"medianPrice"`
	Sources     []PriceSource `json:"sources"`
	FetchedAt   int64         `json:"fetchedAt"`
}
