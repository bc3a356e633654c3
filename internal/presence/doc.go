// Package presence persists who is working on which contract, independent of
// the WebSocket connections that produce that knowledge.
//
// The Snapshotter periodically copies the hub's live room membership into a
// Store: one PresenceRecord per (contract, user) pair, refreshed while the
// user stays connected and deactivated once they are gone. Records expire
// after the configured retention, so the store only ever describes the
// recent past.
//
// Two Store implementations exist: MemoryStore for single-node deployments
// and tests, and RedisStore for deployments where presence must survive a
// server restart or be shared across replicas.
package presence
