package persistence

import "grid-reconciler/internal/models"

// Ledger defines the durable order store.
// It abstracts the underlying storage mechanism (BadgerDB) from the manager and
// the watchdog, which are its only writers.
type Ledger interface {
	// Upsert writes the current order of a slot. A terminal predecessor is moved
	// to history; a different non-terminal predecessor is a ConflictError.
	Upsert(order *models.Order) error

	// Get returns the current order of a slot, or (nil, nil) if there is none.
	Get(slotID string) (*models.Order, error)

	// List returns current orders, restricted to the given statuses if any.
	List(statuses ...models.OrderStatus) ([]*models.Order, error)

	// History returns archived terminal orders of a slot, oldest first.
	History(slotID string) ([]*models.Order, error)

	// Transition atomically moves a slot from one status to another. mutate may
	// be nil; when set it is applied to the order inside the same transaction
	// and an error from it aborts the transition.
	Transition(slotID string, from, to models.OrderStatus, mutate func(*models.Order) error) (*models.Order, error)

	SaveSession(session *models.Session) error

	// LoadSession returns the last saved session, or (nil, nil).
	LoadSession() (*models.Session, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
