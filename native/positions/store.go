package positions

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	rserrors "rateswap/core/errors"
	"rateswap/core/num"
	"rateswap/storage"
)

// Store persists positions and ledger totals. Implementations must apply a
// Changes set atomically.
type Store interface {
	Position(id uint64) (*Position, error)
	ActiveIDs() ([]uint64, error)
	Totals() (Totals, error)
	Apply(changes Changes) error
}

// Changes is the write set produced by one committed transaction.
type Changes struct {
	Positions []*Position
	Totals    *Totals
}

var (
	positionPrefix = []byte("positions/pos/")
	activePrefix   = []byte("positions/active/")
	totalsKey      = []byte("positions/meta/totals")
)

// KVStore keeps positions in a storage.Database: JSON records keyed by id and
// an index of active ids.
type KVStore struct {
	db storage.Database
}

func NewKVStore(db storage.Database) *KVStore {
	return &KVStore{db: db}
}

// NewMemStore returns a store backed by an in-memory database.
func NewMemStore() *KVStore {
	return NewKVStore(storage.NewMemDB())
}

func idKey(prefix []byte, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

func (s *KVStore) Position(id uint64) (*Position, error) {
	raw, err := s.db.Get(idKey(positionPrefix, id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", rserrors.ErrPositionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("positions: load %d: %w", id, err)
	}
	var pos Position
	if err := json.Unmarshal(raw, &pos); err != nil {
		return nil, fmt.Errorf("positions: decode %d: %w", id, err)
	}
	return &pos, nil
}

func (s *KVStore) ActiveIDs() ([]uint64, error) {
	ids := make([]uint64, 0)
	err := s.db.IteratePrefix(activePrefix, func(key, _ []byte) error {
		if len(key) != len(activePrefix)+8 {
			return fmt.Errorf("positions: malformed active key %x", key)
		}
		ids = append(ids, binary.BigEndian.Uint64(key[len(activePrefix):]))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *KVStore) Totals() (Totals, error) {
	raw, err := s.db.Get(totalsKey)
	if errors.Is(err, storage.ErrNotFound) {
		return Totals{NextID: 1, TotalNotional: num.UintZero(), TotalMargin: num.UintZero()}, nil
	}
	if err != nil {
		return Totals{}, fmt.Errorf("positions: load totals: %w", err)
	}
	var totals Totals
	if err := json.Unmarshal(raw, &totals); err != nil {
		return Totals{}, fmt.Errorf("positions: decode totals: %w", err)
	}
	return totals.Clone(), nil
}

func (s *KVStore) Apply(changes Changes) error {
	batch := new(storage.Batch)
	for _, pos := range changes.Positions {
		if pos == nil {
			continue
		}
		raw, err := json.Marshal(pos)
		if err != nil {
			return fmt.Errorf("positions: encode %d: %w", pos.ID, err)
		}
		batch.Put(idKey(positionPrefix, pos.ID), raw)
		if pos.Active {
			batch.Put(idKey(activePrefix, pos.ID), []byte{1})
		} else {
			batch.Delete(idKey(activePrefix, pos.ID))
		}
	}
	if changes.Totals != nil {
		raw, err := json.Marshal(changes.Totals)
		if err != nil {
			return fmt.Errorf("positions: encode totals: %w", err)
		}
		batch.Put(totalsKey, raw)
	}
	return s.db.Write(batch)
}
