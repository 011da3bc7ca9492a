package transport

import "errors"

// errTransportBackedUp is returned by Session.Send when the outbound buffer
// is full; the Controller treats this as a dead transport and drops it.
var errTransportBackedUp = errors.New("transport: outbound buffer full")
