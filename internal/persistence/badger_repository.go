package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"grid-reconciler/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const (
	orderPrefix = "order/"
	histPrefix  = "hist/"
	xidPrefix   = "xid/"
	sessionKey  = "session/current"

	// maxTxnRetries bounds how often a write is replayed after badger reports a
	// commit conflict with a concurrent transaction.
	maxTxnRetries = 8
)

// badgerLedger is the BadgerDB implementation of the Ledger.
type badgerLedger struct {
	db    *badger.DB
	clock func() time.Time
}

// NewBadgerLedger opens (or creates) the ledger database at dbPath.
// Writes are synced to disk before a transaction reports success.
func NewBadgerLedger(dbPath string) (Ledger, error) {
	opts := badger.DefaultOptions(dbPath).WithSyncWrites(true)
	// Badger's own logging is noisy; errors still surface from DB operations.
	opts.Logger = nil
	return openLedger(opts)
}

// NewInMemoryLedger opens a ledger that lives only for the life of the process.
// Used by backtests and tests.
func NewInMemoryLedger() (Ledger, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openLedger(opts)
}

func openLedger(opts badger.Options) (*badgerLedger, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &badgerLedger{db: db, clock: time.Now}, nil
}

// update runs fn in a read-write transaction, replaying it when badger detects
// a conflicting concurrent commit. fn re-reads state on every attempt, so a
// replay re-decides instead of overwriting.
func (l *badgerLedger) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = l.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (l *badgerLedger) Upsert(order *models.Order) error {
	if order == nil || order.SlotID == "" {
		return errors.New("upsert: order without slot id")
	}
	now := l.clock()
	return l.update(func(txn *badger.Txn) error {
		cur, err := getOrder(txn, order.SlotID)
		if err != nil {
			return err
		}

		if cur != nil && cur.ClientOrderID != order.ClientOrderID {
			if !cur.Status.Terminal() {
				return &models.ConflictError{
					SlotID:   order.SlotID,
					Expected: order.Status,
					Actual:   cur.Status,
					Reason:   fmt.Sprintf("slot already holds %s order %s", cur.Status, cur.ClientOrderID),
				}
			}
			if err := archive(txn, cur); err != nil {
				return err
			}
		}

		next := *order
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
		next.UpdatedAt = now
		if err := reindex(txn, cur, &next); err != nil {
			return err
		}
		if err := putOrder(txn, &next); err != nil {
			return err
		}
		*order = next
		return nil
	})
}

func (l *badgerLedger) Get(slotID string) (*models.Order, error) {
	var order *models.Order
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		order, err = getOrder(txn, slotID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (l *badgerLedger) List(statuses ...models.OrderStatus) ([]*models.Order, error) {
	want := make(map[models.OrderStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var orders []*models.Order
	err := l.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte(orderPrefix), func(o *models.Order) {
			if len(want) == 0 || want[o.Status] {
				orders = append(orders, o)
			}
		})
	})
	return orders, err
}

func (l *badgerLedger) History(slotID string) ([]*models.Order, error) {
	var orders []*models.Order
	err := l.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte(histPrefix+slotID+"/"), func(o *models.Order) {
			orders = append(orders, o)
		})
	})
	return orders, err
}

func (l *badgerLedger) Transition(slotID string, from, to models.OrderStatus, mutate func(*models.Order) error) (*models.Order, error) {
	var result *models.Order
	err := l.update(func(txn *badger.Txn) error {
		cur, err := getOrder(txn, slotID)
		if err != nil {
			return err
		}
		if cur == nil {
			return &models.ConflictError{SlotID: slotID, Expected: from, Reason: "slot has no order"}
		}
		if cur.Status != from {
			return &models.ConflictError{SlotID: slotID, Expected: from, Actual: cur.Status}
		}

		next := *cur
		if mutate != nil {
			if err := mutate(&next); err != nil {
				return err
			}
		}
		next.SlotID = slotID
		next.Status = to
		next.UpdatedAt = l.clock()

		if err := reindex(txn, cur, &next); err != nil {
			return err
		}
		if err := putOrder(txn, &next); err != nil {
			return err
		}
		result = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (l *badgerLedger) SaveSession(session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sessionKey), data)
	})
}

func (l *badgerLedger) LoadSession() (*models.Session, error) {
	var session models.Session
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &session)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Close gracefully closes the connection to the database.
func (l *badgerLedger) Close() error {
	return l.db.Close()
}

func getOrder(txn *badger.Txn, slotID string) (*models.Order, error) {
	item, err := txn.Get([]byte(orderPrefix + slotID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var order models.Order
	err = item.Value(func(val []byte) error {
		if len(val) == 0 {
			return fmt.Errorf("order %s is empty in database", slotID)
		}
		return json.Unmarshal(val, &order)
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func putOrder(txn *badger.Txn, order *models.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return txn.Set([]byte(orderPrefix+order.SlotID), data)
}

func archive(txn *badger.Txn, order *models.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%s/%020d-%s", histPrefix, order.SlotID, order.UpdatedAt.UnixNano(), order.ClientOrderID)
	if err := txn.Set([]byte(key), data); err != nil {
		return err
	}
	return dropIndex(txn, order)
}

// reindex keeps xid/<exchange id> pointing at the slot for as long as the order
// is non-terminal, and rejects an exchange id already held by another slot.
func reindex(txn *badger.Txn, prev, next *models.Order) error {
	if prev != nil && prev.ExchangeOrderID != "" &&
		(prev.ExchangeOrderID != next.ExchangeOrderID || next.Status.Terminal()) {
		if err := dropIndex(txn, prev); err != nil {
			return err
		}
	}
	if next.Status.Terminal() || next.ExchangeOrderID == "" {
		return nil
	}

	key := []byte(xidPrefix + next.ExchangeOrderID)
	item, err := txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return err
	default:
		owner, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(owner) != next.SlotID {
			return &models.ConflictError{
				SlotID: next.SlotID,
				Reason: fmt.Sprintf("exchange order %s already bound to slot %s", next.ExchangeOrderID, owner),
			}
		}
	}
	return txn.Set(key, []byte(next.SlotID))
}

func dropIndex(txn *badger.Txn, order *models.Order) error {
	if order.ExchangeOrderID == "" {
		return nil
	}
	key := []byte(xidPrefix + order.ExchangeOrderID)
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	owner, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	if string(owner) != order.SlotID {
		return nil
	}
	return txn.Delete(key)
}

func scan(txn *badger.Txn, prefix []byte, fn func(*models.Order)) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var order models.Order
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &order)
		})
		if err != nil {
			return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		fn(&order)
	}
	return nil
}
