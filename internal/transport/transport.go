// Package transport defines the Transport capability the hub needs
// from its underlying bus (spec §1, §9: "deliberately out of scope",
// treated as an external collaborator behind a small interface) and
// provides two concrete adapters: an in-process mock bus for tests
// and fast mode, and a real MQTT-backed bus for cross-process use on
// one host.
package transport

import (
	"context"
	"errors"

	"github.com/nugget/hsipc/internal/envelope"
)

// ErrRecvTimeout is returned by Recv when no message arrived within
// the adapter's internal poll window. The receive loop treats this as
// "continue, re-check shutdown" rather than a real error (spec §4.1).
var ErrRecvTimeout = errors.New("transport: receive timeout")

// ErrClosed is returned by Recv/Send once Close has been called.
var ErrClosed = errors.New("transport: closed")

// Transport is the thin wrapper the hub depends on. Implementations
// must make Recv safe to call from a single dedicated goroutine while
// Send is called concurrently from many (spec §5's shared-resource
// policy: "the transport sender is cheap to share; the receiver is
// owned exclusively by the receive loop").
type Transport interface {
	// Join connects to bus as endpoint, failing with a transport
	// error if the join itself fails (spec §4.1 construction step 1).
	Join(ctx context.Context, bus, endpoint string) error

	// Send delivers e to target, or broadcasts it when target is "".
	Send(ctx context.Context, target string, e *envelope.Envelope) error

	// Recv blocks for at most the adapter's internal poll timeout and
	// returns ErrRecvTimeout if nothing arrived, or ErrClosed once the
	// transport has been closed.
	Recv(ctx context.Context) (*envelope.Envelope, error)

	// Close releases the adapter's resources. Recv calls made after
	// Close return ErrClosed; a Recv already waiting when Close runs
	// may instead return at the end of its poll timeout.
	Close() error
}
