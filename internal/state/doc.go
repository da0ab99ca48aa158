// Package state provides filesystem-backed storage for the little client
// state that must survive between runs: the bearer token and the active
// conversation.
package state

import "github.com/user/kbdesk/internal/types"

// Compile-time interface compliance checks.
var _ types.TokenStore = (*TokenStore)(nil)
var _ types.TokenStore = (*MemoryTokenStore)(nil)
var _ types.SelectionStore = (*SelectionStore)(nil)
