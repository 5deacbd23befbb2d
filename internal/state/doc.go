// Package state provides filesystem-backed storage implementations for a
// single service instance.
package state

import "github.com/user/groupstream/internal/types"

// Compile-time interface compliance checks.
var _ types.SequenceAllocator = (*SequenceStore)(nil)
var _ types.RunRegistry = (*RunStore)(nil)
var _ types.EventLog = (*EventLog)(nil)
var _ types.MessageStore = (*MessageStore)(nil)
var _ types.WorkQueue = (*Queue)(nil)
