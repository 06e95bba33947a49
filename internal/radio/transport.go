// Package radio is the boundary between the forwarding engine and whatever
// short-range link carries frames.
package radio

import (
	"context"
	"errors"
	"fmt"
)

// DefaultServiceID is advertised by every afetmesh node.
const DefaultServiceID = "afetmesh-v1"

// Sighting is one observation of a nearby peer during a scan.
type Sighting struct {
	PeerID      string
	DisplayName string
	Signal      int // dBm-like, higher is better
	Addr        string
}

// Conn is an open link to one peer.
type Conn interface {
	PeerID() string
	// MaxPayload is the largest frame the link accepts.
	MaxPayload() int
}

// Transport is implemented once per link technology.
type Transport interface {
	// Scan reports sightings of peers advertising serviceID until ctx is done
	// or the scan pass completes.
	Scan(ctx context.Context, serviceID string, onFound func(Sighting)) error
	Connect(ctx context.Context, peerID string) (Conn, error)
	WriteFrame(ctx context.Context, conn Conn, frame []byte) error
	// OnFrame registers the handler for frames arriving from conn's peer.
	// Frames received before registration are buffered and flushed to fn.
	OnFrame(conn Conn, fn func(frame []byte))
	Disconnect(conn Conn) error
}

var (
	ErrTransport    = errors.New("transport error")
	ErrNotConnected = errors.New("not connected")
	ErrUnreachable  = errors.New("peer unreachable")
	ErrTooLarge     = errors.New("frame exceeds link payload")
)

// TransportError is a peer-local send or connect failure.
type TransportError struct {
	Op     string
	PeerID string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.PeerID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func transportErr(op, peerID string, err error) error {
	return &TransportError{Op: op, PeerID: peerID, Err: err}
}
