// Package snapshot keeps the last-known configuration of each managed server
// so it survives node restarts.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/xiaot623/fleet/internal/domain"
)

var ErrNotFound = errors.New("snapshot not found")

const keyPrefix = "server:"

// Snapshot is one server's configuration as last registered.
type Snapshot struct {
	Server   string          `json:"server"`
	Endpoint domain.Endpoint `json:"endpoint"`
	Version  string          `json:"version"`
	Config   json.RawMessage `json:"config,omitempty"`
	SavedAt  time.Time       `json:"saved_at"`
}

// BadgerStore stores snapshots in Badger.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens the store at path. An empty path keeps everything in
// memory.
func NewBadgerStore(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
		opts = opts.WithValueLogFileSize(1 << 20)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func serverKey(name string) []byte {
	return []byte(keyPrefix + name)
}

// SaveServer records srv's configuration.
func (s *BadgerStore) SaveServer(srv domain.ManagedServer) error {
	return s.Save(Snapshot{
		Server:   srv.Name,
		Endpoint: srv.Endpoint,
		Version:  srv.Version,
		Config:   srv.Config,
		SavedAt:  time.Now(),
	})
}

func (s *BadgerStore) Save(snap Snapshot) error {
	if snap.Server == "" {
		return fmt.Errorf("snapshot server name is required")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return txn.Set(serverKey(snap.Server), data)
	})
}

// Get returns the snapshot for a server, or ErrNotFound.
func (s *BadgerStore) Get(name string) (*Snapshot, error) {
	var out Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(serverKey(name))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) Delete(name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(serverKey(name))
	})
}

// List returns every snapshot sorted by server name.
func (s *BadgerStore) List() ([]Snapshot, error) {
	var out []Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var snap Snapshot
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &snap)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", strings.TrimPrefix(string(it.Item().Key()), keyPrefix), err)
			}
			out = append(out, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })
	return out, nil
}
