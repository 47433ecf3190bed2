package torrent

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anacrolix/dht/v2/bep44"
	"github.com/dgraph-io/badger/v3"
)

var _ bep44.Store = (*ItemStore)(nil)

// ItemStore persists BEP 44 DHT items in Badger so mutable items survive
// restarts of the embedded engine.
type ItemStore struct {
	ttl time.Duration
	db  *badger.DB
}

// badgerLogger adapts slog for Badger's logger interface.
type badgerLogger struct {
	log *slog.Logger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.log.Warn(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(f, v...))
}

// NewItemStore opens the item store at path. Items expire after itemsTTL.
func NewItemStore(path string, itemsTTL time.Duration) (*ItemStore, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(&badgerLogger{log: slog.With("component", "dht-item-store")}).
		WithValueLogFileSize(1<<26 - 1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open item store: %w", err)
	}

	if err := db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		db.Close()
		return nil, fmt.Errorf("item store gc: %w", err)
	}

	return &ItemStore{
		db:  db,
		ttl: itemsTTL,
	}, nil
}

// Put stores an item keyed by its target.
func (s *ItemStore) Put(i *bep44.Item) error {
	var value bytes.Buffer
	if err := gob.NewEncoder(&value).Encode(i); err != nil {
		return fmt.Errorf("encode item: %w", err)
	}

	key := i.Target()
	return s.db.Update(func(tx *badger.Txn) error {
		e := badger.NewEntry(key[:], value.Bytes())
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return tx.SetEntry(e)
	})
}

// Get returns the item stored for a target or bep44.ErrItemNotFound.
func (s *ItemStore) Get(t bep44.Target) (*bep44.Item, error) {
	var i *bep44.Item
	err := s.db.View(func(tx *badger.Txn) error {
		dbi, err := tx.Get(t[:])
		if errors.Is(err, badger.ErrKeyNotFound) {
			return bep44.ErrItemNotFound
		}
		if err != nil {
			return err
		}
		return dbi.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&i)
		})
	})
	if err != nil {
		return nil, err
	}
	return i, nil
}

// Del removes an item. Missing items are not an error.
func (s *ItemStore) Del(t bep44.Target) error {
	return s.db.Update(func(tx *badger.Txn) error {
		return tx.Delete(t[:])
	})
}

// Close shuts down the Badger database.
func (s *ItemStore) Close() error {
	return s.db.Close()
}
