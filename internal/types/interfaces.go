// internal/types/interfaces.go
package types

// TokenStore is the durable home of the bearer token. It is read at startup
// and on every outbound request.
type TokenStore interface {
	Token() (string, error)
	SetToken(token string) error
	ClearToken() error
}

// SelectionStore persists which conversation is active between runs.
type SelectionStore interface {
	Selected() (ID, error)
	Select(id ID) error
}
