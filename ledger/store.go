package ledger

import (
	"encoding/json"
	"fmt"
	"strings"

	"stealthpay/storage"
)

const ownerKeyPrefix = "ledger/"

// Store persists per-owner entry lists through the key-value durability
// boundary. Each owner's entire list is written as one record; the ledger's
// debounced flush keeps the write amplification of that choice acceptable.
type Store struct {
	db storage.Database
}

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func ownerKey(owner string) []byte {
	return []byte(ownerKeyPrefix + owner)
}

// Save overwrites the stored list for one owner.
func (s *Store) Save(owner string, entries []*Entry) error {
	buf, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode ledger for %s: %w", owner, err)
	}
	if err := s.db.Put(ownerKey(owner), buf); err != nil {
		return fmt.Errorf("persist ledger for %s: %w", owner, err)
	}
	return nil
}

// LoadAll reads every owner's list. Called once at startup.
func (s *Store) LoadAll() (map[string][]*Entry, error) {
	out := make(map[string][]*Entry)
	err := s.db.ForEachPrefix([]byte(ownerKeyPrefix), func(key, value []byte) error {
		owner := strings.TrimPrefix(string(key), ownerKeyPrefix)
		var entries []*Entry
		if err := json.Unmarshal(value, &entries); err != nil {
			return fmt.Errorf("decode ledger for %s: %w", owner, err)
		}
		out[owner] = entries
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
