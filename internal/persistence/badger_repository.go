package persistence

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"grid-trailing-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// badgerRepository is the BadgerDB implementation of Repository.
// Keys are namespaced per bot:
//
//	orders/<bot>/<bucket>   one JSON order per price bucket
//	positions/<bot>         the VirtualPositions snapshot
//	history/<bot>/<seq>     append-only fill log, big-endian sequence
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (Repository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is disabled to keep the app's logs clean.
	// Errors are still returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &badgerRepository{db: db}, nil
}

func orderKey(botName, bucketKey string) []byte {
	return []byte(fmt.Sprintf("orders/%s/%s", botName, bucketKey))
}

func orderPrefix(botName string) []byte {
	return []byte(fmt.Sprintf("orders/%s/", botName))
}

func positionsKey(botName string) []byte {
	return []byte(fmt.Sprintf("positions/%s", botName))
}

func historyPrefix(botName string) []byte {
	return []byte(fmt.Sprintf("history/%s/", botName))
}

// LoadOrders returns every persisted order for the given bot.
func (r *badgerRepository) LoadOrders(botName string) (map[string]*models.Order, error) {
	orders := make(map[string]*models.Order)

	err := r.db.View(func(txn *badger.Txn) error {
		prefix := orderPrefix(botName)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			bucket := string(item.Key()[len(prefix):])
			err := item.Value(func(val []byte) error {
				var order models.Order
				if err := json.Unmarshal(val, &order); err != nil {
					return fmt.Errorf("corrupt order at %s: %w", item.Key(), err)
				}
				orders[bucket] = &order
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// PutOrder saves or replaces the order at the given bucket key.
// Each write is one transaction, so the key is updated atomically.
func (r *badgerRepository) PutOrder(botName, bucketKey string, order *models.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(orderKey(botName, bucketKey), data)
	})
}

// RemoveOrder deletes the order at the given bucket key.
func (r *badgerRepository) RemoveOrder(botName, bucketKey string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(orderKey(botName, bucketKey))
	})
}

// LoadPositions loads the persisted snapshot.
// If the key is not found, it returns (nil, nil) to indicate no snapshot is present.
func (r *badgerRepository) LoadPositions(botName string) (*models.VirtualPositions, error) {
	var positions models.VirtualPositions

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(positionsKey(botName))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("positions value is empty in database")
			}
			return json.Unmarshal(val, &positions)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil // expected "no snapshot" case
	}
	if err != nil {
		return nil, err
	}
	return &positions, nil
}

// SavePositions saves the snapshot after every mutation.
func (r *badgerRepository) SavePositions(botName string, positions *models.VirtualPositions) error {
	data, err := json.Marshal(positions)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(positionsKey(botName), data)
	})
}

// AppendFill writes the next entry of the per-bot fill log.
// The sequence number comes from a monotonic badger counter key.
func (r *badgerRepository) AppendFill(botName string, fill *FillRecord) error {
	data, err := json.Marshal(fill)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		seqKey := []byte(fmt.Sprintf("history_seq/%s", botName))

		var seq uint64
		item, err := txn.Get(seqKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			seq = 0
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				if len(val) == 8 {
					seq = binary.BigEndian.Uint64(val)
				}
				return nil
			}); err != nil {
				return err
			}
		}

		var seqBytes [8]byte
		binary.BigEndian.PutUint64(seqBytes[:], seq)
		key := append(historyPrefix(botName), seqBytes[:]...)
		if err := txn.Set(key, data); err != nil {
			return err
		}

		binary.BigEndian.PutUint64(seqBytes[:], seq+1)
		return txn.Set(seqKey, seqBytes[:])
	})
}

// LoadFills returns the fill log in append order.
func (r *badgerRepository) LoadFills(botName string) ([]*FillRecord, error) {
	var fills []*FillRecord

	err := r.db.View(func(txn *badger.Txn) error {
		prefix := historyPrefix(botName)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Keys are big-endian sequence numbers, so badger's lexicographic
		// iteration order is append order.
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var fill FillRecord
				if err := json.Unmarshal(val, &fill); err != nil {
					return err
				}
				fills = append(fills, &fill)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fills, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
