// Package transport connects processes on one host through per-peer shared memory
// channels. Every peer owns one region file under location/cluster/ which it consumes;
// other peers attach to that file to send to it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmchan/internal/logging"
)

var logger = logging.New("pkg/transport")

var (
	ErrNotStarted           = errors.New("transport not started")
	ErrStopped              = errors.New("transport stopped")
	ErrUnknownPeer          = errors.New("unknown peer")
	ErrInboxEmpty           = errors.New("inbox empty")
	ErrInsufficientCapacity = errors.New("insufficient capacity in peer channel")
)

// Transport defines the interface for same-host peer transports.
type Transport interface {
	// Start creates the own region and discovers the peers already present.
	Start(ctx context.Context) error
	// Stop closes every region and cleans up the own region file.
	Stop() error
	// SendTo delivers p to the peer with the given id.
	SendTo(ctx context.Context, peer uuid.UUID, p []byte) error
	// SendToAll delivers p to every known peer except this one.
	SendToAll(ctx context.Context, p []byte) error
	// Receive returns the next message delivered to this peer.
	Receive(timeout time.Duration) (*Message, error)
}

// Message is one received payload. Release returns its body to the pool.
type Message struct {
	Type int32
	Body *bytebufferpool.ByteBuffer
}

// Bytes returns the payload, valid until Release.
func (m *Message) Bytes() []byte {
	return m.Body.B
}

// Release returns the body to the pool; the message must not be used afterwards.
func (m *Message) Release() {
	if m.Body != nil {
		bytebufferpool.Put(m.Body)
		m.Body = nil
	}
}

const logicalNameSeparator = "::"

// Peer identifies a process on the host.
type Peer struct {
	ID   uuid.UUID
	Name string
}

// Filename is the name of the peer's region file: the id, optionally followed by
// "::" and the logical name.
func (p Peer) Filename() string {
	if p.Name == "" {
		return p.ID.String()
	}
	return p.ID.String() + logicalNameSeparator + p.Name
}

func (p Peer) String() string {
	return p.Filename()
}

// FilenameToPeer parses a region file name produced by Peer.Filename.
func FilenameToPeer(filename string) (Peer, error) {
	idPart, name, _ := strings.Cut(filename, logicalNameSeparator)
	id, err := uuid.Parse(idPart)
	if err != nil {
		return Peer{}, fmt.Errorf("region file %q: %w", filename, err)
	}
	return Peer{ID: id, Name: name}, nil
}
