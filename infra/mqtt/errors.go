package mqtt

import "errors"

// ErrBridgeUnavailable is returned when the external transport stays
// unreachable after the bounded retries are exhausted.
var ErrBridgeUnavailable = errors.New("bridge transport unavailable")
