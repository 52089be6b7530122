package rdt

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// Terminal errors surfaced to callers (spec.md §7 classes 3-5). Once one of
// these is returned, the connection is unusable and the caller must not
// invoke further operations on it.
var (
	ErrHandshakeFailed = errors.New("rdt: handshake failed")
	ErrDeliveryFailed  = errors.New("rdt: delivery failed")
	ErrCloseFailed     = errors.New("rdt: close failed")
)

// wrapf attaches context to a sentinel terminal error while keeping it
// matchable with errors.Is, mirroring the %w-wrapping the teacher's
// service.go does for its own fatal paths, generalized to pkg/errors'
// richer stack-trace-carrying Wrapf for the handful of terminal failures
// this package ever returns.
func wrapf(sentinel error, format string, args ...any) error {
	return pkgerrors.Wrapf(sentinel, format, args...)
}
