package core

import "time"

// NamedLock is a single row in the named-lock table the cron driver uses
// for cross-process single-writer mutual exclusion. A lock is free once
// ExpiresAt has passed, regardless of Owner.
type NamedLock struct {
	Name       string    `json:"name"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}
