// Package types defines shared Go types used by both the collaboration hub
// and the HTTP API. These are the canonical in-memory representations of
// presence events and presence records, separate from the flattened JSON
// wire format clients see.
package types
