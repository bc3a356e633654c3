package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/contractops/contractops/internal/collab"
	"github.com/contractops/contractops/pkg/types"
)

// storeTimeout bounds each store round-trip so a hung backend cannot stall
// the snapshot loop.
const storeTimeout = 5 * time.Second

// RoomLister is the live membership view the snapshotter polls.
// *collab.Hub implements it.
type RoomLister interface {
	Rooms() []collab.RoomInfo
}

// Snapshotter periodically copies the hub's live room membership into a
// Store, so presence survives beyond the WebSocket connections and REST
// readers can see who is where.
type Snapshotter struct {
	store    Store
	rooms    RoomLister
	interval time.Duration
}

// NewSnapshotter creates a Snapshotter that persists rooms into store every
// interval.
func NewSnapshotter(store Store, rooms RoomLister, interval time.Duration) *Snapshotter {
	return &Snapshotter{
		store:    store,
		rooms:    rooms,
		interval: interval,
	}
}

// Run ticks until ctx is cancelled. Each tick refreshes one record per
// (contract, user) pair currently connected and deactivates the records of
// pairs seen on the previous tick that are gone now. Store failures are
// logged and never interrupt the loop. On shutdown the last seen pairs are
// deactivated best-effort.
func (s *Snapshotter) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	prev := make(map[pairKey]struct{})
	for {
		select {
		case <-ctx.Done():
			s.deactivateAll(prev)
			return
		case <-t.C:
			prev = s.snapshot(prev)
		}
	}
}

// snapshot persists the current membership and reconciles it against the
// previous tick. Returns the pairs seen this tick.
func (s *Snapshotter) snapshot(prev map[pairKey]struct{}) map[pairKey]struct{} {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	cur := make(map[pairKey]struct{})
	for _, room := range s.rooms.Rooms() {
		for _, uid := range room.UserIDs {
			k := pairKey{contractID: room.ContractID, userID: uid}
			cur[k] = struct{}{}
			rec := types.PresenceRecord{
				UserID:        uid,
				ContractID:    room.ContractID,
				IsActive:      true,
				CurrentAction: "connected",
				ViewMode:      types.ViewModeEdit,
			}
			if err := s.store.Upsert(ctx, rec); err != nil {
				slog.Warn("presence: upsert failed",
					"contract_id", room.ContractID, "user_id", uid, "err", err)
			}
		}
	}

	// Pairs present last tick but gone now have disconnected since.
	for k := range prev {
		if _, still := cur[k]; still {
			continue
		}
		if err := s.store.Deactivate(ctx, k.userID, k.contractID); err != nil {
			slog.Warn("presence: deactivate failed",
				"contract_id", k.contractID, "user_id", k.userID, "err", err)
		}
	}
	return cur
}

func (s *Snapshotter) deactivateAll(pairs map[pairKey]struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	for k := range pairs {
		if err := s.store.Deactivate(ctx, k.userID, k.contractID); err != nil {
			slog.Warn("presence: deactivate failed",
				"contract_id", k.contractID, "user_id", k.userID, "err", err)
		}
	}
}
