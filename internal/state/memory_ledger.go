package state

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryLedger is a bounded in-process Ledger. It only suppresses
// re-emission within one process lifetime.
type MemoryLedger struct {
	cache *lru.Cache[string, Emission]
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger(size int) (*MemoryLedger, error) {
	cache, err := lru.New[string, Emission](size)
	if err != nil {
		return nil, fmt.Errorf("create ledger cache: %w", err)
	}
	return &MemoryLedger{cache: cache}, nil
}

func (m *MemoryLedger) Seen(key string) (bool, error) {
	return m.cache.Contains(key), nil
}

// Get returns the recorded emission for key.
func (m *MemoryLedger) Get(key string) (Emission, bool) {
	return m.cache.Get(key)
}

func (m *MemoryLedger) Record(key string, e Emission) error {
	m.cache.Add(key, e)
	return nil
}

func (m *MemoryLedger) Len() int {
	return m.cache.Len()
}

func (m *MemoryLedger) Close() error {
	m.cache.Purge()
	return nil
}
