// Package core defines the entities shared by every QFlash component: the
// round lifecycle, wagers, accounts, the ledger, price snapshots, the house
// books, and the named lock used for single-writer scheduling.
package core

import "errors"

// ErrNotFound is returned when a requested record does not exist in storage.
var ErrNotFound = errors.New("not found")
