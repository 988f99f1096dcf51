package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

// PebbleLedger is a Ledger persisted in a local pebble database, so it
// survives restarts of the aggregator.
type PebbleLedger struct {
	db *pebble.DB
}

var _ Ledger = (*PebbleLedger)(nil)

func NewPebbleLedger(dir string) (*PebbleLedger, error) {
	opts := &pebble.Options{
		// one small write per window, defaults are plenty
		MemTableSize: 4 << 20,
	}
	db, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleLedger{db: db}, nil
}

func (p *PebbleLedger) Seen(key string) (bool, error) {
	_, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pebble get %s: %w", key, err)
	}
	_ = closer.Close()
	return true, nil
}

// Get returns the recorded emission for key.
func (p *PebbleLedger) Get(key string) (Emission, bool, error) {
	v, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return Emission{}, false, nil
	}
	if err != nil {
		return Emission{}, false, fmt.Errorf("pebble get %s: %w", key, err)
	}
	defer closer.Close()

	var e Emission
	if err := json.Unmarshal(v, &e); err != nil {
		return Emission{}, false, fmt.Errorf("decode emission %s: %w", key, err)
	}
	return e, true, nil
}

// Record stores the emission and syncs the WAL before returning.
func (p *PebbleLedger) Record(key string, e Emission) error {
	val, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := p.db.Set([]byte(key), val, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set %s: %w", key, err)
	}
	return nil
}

func (p *PebbleLedger) Close() error { return p.db.Close() }
