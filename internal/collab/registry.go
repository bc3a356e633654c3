package collab

import "sync"

// binding records which contract room and user a connection belongs to.
type binding struct {
	contractID int64
	userID     int64
}

// registry is the hub's two-way membership bookkeeping: contract to live
// connections, and connection to (contract, user). Both directions are
// mutated atomically under one lock, so a reader can never observe a
// connection in a room without its reverse binding or vice versa.
type registry struct {
	mu    sync.RWMutex
	rooms map[int64]map[*Conn]struct{}
	conns map[*Conn]binding
}

func newRegistry() *registry {
	return &registry{
		rooms: make(map[int64]map[*Conn]struct{}),
		conns: make(map[*Conn]binding),
	}
}

// register adds c to the contract's room, creating the room on first use.
// A connection already registered elsewhere is moved: removed from its old
// room first, then added under the new contract.
func (r *registry) register(c *Conn, contractID, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.conns[c]; ok {
		r.removeLocked(c, old.contractID)
	}
	room, ok := r.rooms[contractID]
	if !ok {
		room = make(map[*Conn]struct{})
		r.rooms[contractID] = room
	}
	room[c] = struct{}{}
	r.conns[c] = binding{contractID: contractID, userID: userID}
}

// deregister removes c and reports the contract and user it was bound to.
// Deregistering an unknown connection is a safe no-op with ok == false.
func (r *registry) deregister(c *Conn) (contractID, userID int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.conns[c]
	if !ok {
		return 0, 0, false
	}
	r.removeLocked(c, b.contractID)
	return b.contractID, b.userID, true
}

// removeLocked deletes c from its room and drops the room once it empties,
// so an existing room always has at least one connection. Callers hold r.mu.
func (r *registry) removeLocked(c *Conn, contractID int64) {
	if room, ok := r.rooms[contractID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(r.rooms, contractID)
		}
	}
	delete(r.conns, c)
}

// binding reports the contract and user c is currently bound to.
func (r *registry) binding(c *Conn) (contractID, userID int64, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.conns[c]
	return b.contractID, b.userID, ok
}

// members returns a point-in-time copy of the room's connections. Callers
// iterate the copy without holding the lock.
func (r *registry) members(contractID int64) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[contractID]
	out := make([]*Conn, 0, len(room))
	for c := range room {
		out = append(out, c)
	}
	return out
}

// userIDs returns the distinct authenticated user ids present in the room.
// Anonymous connections (user id 0) are not listed.
func (r *registry) userIDs(contractID int64) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[contractID]
	seen := make(map[int64]struct{}, len(room))
	out := make([]int64, 0, len(room))
	for c := range room {
		uid := r.conns[c].userID
		if uid == 0 {
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	return out
}

// connectionsByUser returns every connection the user holds, across all rooms.
func (r *registry) connectionsByUser(userID int64) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Conn
	for c, b := range r.conns {
		if b.userID == userID {
			out = append(out, c)
		}
	}
	return out
}

// connectionCount reports the number of connections in one room.
func (r *registry) connectionCount(contractID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[contractID])
}

// totalConnections reports the number of connections across all rooms.
func (r *registry) totalConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// roomCount reports the number of non-empty rooms.
func (r *registry) roomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// snapshotRooms returns a point-in-time view of every room.
func (r *registry) snapshotRooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RoomInfo, 0, len(r.rooms))
	for id, room := range r.rooms {
		info := RoomInfo{
			ContractID:  id,
			Connections: len(room),
			UserIDs:     make([]int64, 0, len(room)),
		}
		seen := make(map[int64]struct{}, len(room))
		for c := range room {
			uid := r.conns[c].userID
			if uid == 0 {
				continue
			}
			if _, dup := seen[uid]; dup {
				continue
			}
			seen[uid] = struct{}{}
			info.UserIDs = append(info.UserIDs, uid)
		}
		out = append(out, info)
	}
	return out
}

// drain removes every connection from the registry and returns them.
func (r *registry) drain() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	r.rooms = make(map[int64]map[*Conn]struct{})
	r.conns = make(map[*Conn]binding)
	return out
}
