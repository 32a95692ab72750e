package adapter

import (
	"context"
	"errors"
	"net"
)

var (
	ErrConnectionTimeout    = errors.New("chain connection timed out")
	ErrConnectionClosed     = errors.New("chain connection closed")
	ErrSubscriptionRejected = errors.New("subscription rejected")
	ErrTransientRPC         = errors.New("transient rpc error")
	ErrMalformedEvent       = errors.New("malformed chain event")
	ErrTransferNotFound     = errors.New("transfer not found")
	ErrTransferMismatch     = errors.New("transfer does not match watch target")
	ErrUnsupportedChain     = errors.New("no adapter for chain")
)

// IsTimeout reports whether err means the transport could not be reached in
// time, as opposed to a protocol level failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
