package presence

import (
	"context"
	"errors"

	"github.com/contractops/contractops/pkg/types"
)

// ErrNotFound is returned by Get when no record exists for the pair.
var ErrNotFound = errors.New("presence: record not found")

// Store persists presence records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Upsert stores or refreshes the record for (rec.ContractID, rec.UserID),
	// stamping its LastSeen server-side.
	Upsert(ctx context.Context, rec types.PresenceRecord) error

	// Get returns the record for the pair, or ErrNotFound.
	Get(ctx context.Context, userID, contractID int64) (types.PresenceRecord, error)

	// Deactivate marks the pair's record inactive. Missing records are a no-op.
	Deactivate(ctx context.Context, userID, contractID int64) error

	// Remove deletes the pair's record. Missing records are a no-op.
	Remove(ctx context.Context, userID, contractID int64) error

	// ActiveUsers returns the records of users recently active on the contract.
	ActiveUsers(ctx context.Context, contractID int64) ([]types.PresenceRecord, error)

	// ActiveContracts returns the contracts the user was recently active on.
	ActiveContracts(ctx context.Context, userID int64) ([]int64, error)
}
