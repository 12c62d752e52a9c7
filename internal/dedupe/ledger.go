// Package dedupe implements the idempotency ledger: message ids are marked
// on first sight and redeliveries within the window are suppressed. The
// pipeline's delivery semantics are at-least-once, so without this a
// redelivered message would re-run a real external action.
package dedupe

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Ledger records message ids with a TTL equal to the dedupe window.
type Ledger struct {
	db     *badger.DB
	window time.Duration
}

// Open creates a ledger at dir. An empty dir opens badger in memory, which
// still covers redeliveries within a single process lifetime.
func Open(dir string, window time.Duration) (*Ledger, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(dir))
		opts = opts.WithValueLogFileSize(1 << 20) // small value log, entries are tiny
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open dedupe ledger: %w", err)
	}
	return &Ledger{db: db, window: window}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func messageKey(id string) []byte {
	return []byte("msg:" + id)
}

// FirstSeen marks the message id and reports whether this was its first
// appearance within the window. The check and the mark happen in one
// transaction, so concurrent workers cannot both claim first sight.
func (l *Ledger) FirstSeen(id string) (bool, error) {
	first := false
	err := l.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(messageKey(id))
		if err == nil {
			return nil // already recorded
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		first = true
		entry := badger.NewEntry(messageKey(id), []byte{1}).WithTTL(l.window)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return false, fmt.Errorf("dedupe check %s: %w", id, err)
	}
	return first, nil
}

// Seen reports whether the id is currently recorded, without marking it.
func (l *Ledger) Seen(id string) (bool, error) {
	seen := false
	err := l.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(messageKey(id))
		if err == nil {
			seen = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("dedupe lookup %s: %w", id, err)
	}
	return seen, nil
}
