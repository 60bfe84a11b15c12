// iface.go defines the StoreInterface for dependency injection and testing.
//
// The concrete *Store type satisfies this interface. Code that depends on
// the store (the cmd layer, the node scheduler) can accept StoreInterface
// instead of *Store, enabling mock injection in tests.
package store

import (
	"time"

	"github.com/daviddao/tsae/pkg/model"
)

// StoreInterface defines the full set of store operations.
// The concrete *Store type implements this interface.
type StoreInterface interface {
	// Close closes the database connection.
	Close() error

	// --- Checkpoints ---

	// SaveSnapshot replaces the stored checkpoint and deletes the consumed
	// outbox rows atomically.
	SaveSnapshot(cp *model.Checkpoint, consumed ...int64) error

	// LoadSnapshot reads the stored checkpoint; ok is false if none exists.
	LoadSnapshot() (*model.Checkpoint, bool, error)

	// SavedAt returns when the checkpoint was last written.
	SavedAt() (time.Time, bool)

	// ListOperations returns the persisted log.
	ListOperations() ([]model.Operation, error)

	// ListRecipes returns the persisted recipe book.
	ListRecipes() ([]model.Recipe, error)

	// --- Outbox ---

	// Enqueue queues an operation for the running node.
	Enqueue(kind model.OpKind, title, body string) (*model.PendingOp, error)

	// PendingOps lists queued operations without removing them.
	PendingOps() ([]model.PendingOp, error)

	// CountOutbox returns the number of queued operations.
	CountOutbox() int64
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)
