// Package hooks translates raw replication events into typed domain change
// events on the pub/sub fabric, and runs the cascade side effects each
// table calls for.
package hooks

import (
	"github.com/firezone/firezone-sub012/internal/model"
	"github.com/firezone/firezone-sub012/internal/wal"
)

// Change is the typed event every hook publishes on the owning account's
// topic. Old and New carry pointers to decoded model structs; which one is
// set follows the operation the same way raw rows do.
type Change struct {
	LSN   uint64
	Op    wal.Op
	Table string
	Old   any
	New   any
}

// AllowAccess announces an enabled policy on its group's policies topic.
type AllowAccess struct {
	LSN    uint64
	Policy *model.Policy
}

// RejectAccess announces that a policy no longer grants access.
type RejectAccess struct {
	LSN        uint64
	PolicyID   model.ID
	GroupID    model.ID
	ResourceID model.ID
}

// ExpireFlow announces that one flow ended. Deleted distinguishes a row
// deletion (the gateway should try to reauthorize the pair) from an expiry
// update (the authorization genuinely ran out).
type ExpireFlow struct {
	LSN     uint64
	Flow    *model.Flow
	Deleted bool
}

// Disconnect tells the socket bound to a deleted token to close.
type Disconnect struct {
	TokenID model.ID
}
