package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/contractops/contractops/internal/collab"
)

type fakeRooms struct {
	mu    sync.Mutex
	rooms []collab.RoomInfo
}

func (f *fakeRooms) set(rooms []collab.RoomInfo) {
	f.mu.Lock()
	f.rooms = rooms
	f.mu.Unlock()
}

func (f *fakeRooms) Rooms() []collab.RoomInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms
}

func TestSnapshotter_PersistsLiveMembership(t *testing.T) {
	ctx := context.Background()
	store := newTestMemoryStore()
	rooms := &fakeRooms{}
	rooms.set([]collab.RoomInfo{
		{ContractID: 42, Connections: 3, UserIDs: []int64{1, 2}},
		{ContractID: 7, Connections: 1, UserIDs: []int64{9}},
	})

	snap := NewSnapshotter(store, rooms, time.Second)
	seen := snap.snapshot(map[pairKey]struct{}{})

	if len(seen) != 3 {
		t.Errorf("snapshot saw %d pairs, want 3", len(seen))
	}
	recs, err := store.ActiveUsers(ctx, 42)
	if err != nil {
		t.Fatalf("ActiveUsers: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("ActiveUsers(42) = %+v, want two records", recs)
	}
	for _, rec := range recs {
		if rec.CurrentAction != "connected" || rec.ViewMode == "" {
			t.Errorf("record = %+v", rec)
		}
	}
}

func TestSnapshotter_DeactivatesDepartedPairs(t *testing.T) {
	ctx := context.Background()
	store := newTestMemoryStore()
	rooms := &fakeRooms{}

	rooms.set([]collab.RoomInfo{{ContractID: 42, Connections: 2, UserIDs: []int64{1, 2}}})
	snap := NewSnapshotter(store, rooms, time.Second)
	seen := snap.snapshot(map[pairKey]struct{}{})

	// User 2 disconnects between ticks.
	rooms.set([]collab.RoomInfo{{ContractID: 42, Connections: 1, UserIDs: []int64{1}}})
	seen = snap.snapshot(seen)

	if len(seen) != 1 {
		t.Errorf("second tick saw %d pairs, want 1", len(seen))
	}
	recs, _ := store.ActiveUsers(ctx, 42)
	if len(recs) != 1 || recs[0].UserID != 1 {
		t.Errorf("ActiveUsers = %+v, want only user 1", recs)
	}
	rec, err := store.Get(ctx, 2, 42)
	if err != nil {
		t.Fatalf("Get departed record: %v", err)
	}
	if rec.IsActive || rec.CurrentAction != "disconnected" {
		t.Errorf("departed record = %+v, want deactivated", rec)
	}
}

func TestSnapshotter_RunDeactivatesOnShutdown(t *testing.T) {
	store := newTestMemoryStore()
	rooms := &fakeRooms{}
	rooms.set([]collab.RoomInfo{{ContractID: 5, Connections: 1, UserIDs: []int64{3}}})

	snap := NewSnapshotter(store, rooms, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		snap.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if recs, _ := store.ActiveUsers(context.Background(), 5); len(recs) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	recs, _ := store.ActiveUsers(context.Background(), 5)
	if len(recs) != 1 {
		t.Fatalf("ActiveUsers = %+v, want user 3 persisted by the run loop", recs)
	}

	cancel()
	<-done

	rec, err := store.Get(context.Background(), 3, 5)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.IsActive {
		t.Error("record still active after shutdown")
	}
}
