// Package contextkey defines the unexported-type context keys shared across
// packages, avoiding collisions with keys set by other code using the same
// context.Context.
package contextkey

type key int

const (
	ContextKeyUserID key = iota
	ContextKeyRequestID
	ContextKeyRoomID
)
