// Package state keeps the emission ledger: the set of windows whose final
// count has already been published. It lets a restarted aggregator replay
// uncommitted events without publishing a window a second time.
package state

import (
	"fmt"
	"time"
)

// Emission is what the ledger remembers about a published window.
type Emission struct {
	Count     int64     `json:"count"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Ledger records published windows.
type Ledger interface {
	Seen(key string) (bool, error)
	Record(key string, e Emission) error
	Close() error
}

// Key builds the ledger key for a window of a partition.
func Key(partition int, windowStart time.Time) string {
	return fmt.Sprintf("%d/%d", partition, windowStart.Unix())
}
