package transport

import (
	"github.com/google/uuid"

	"github.com/calport/callbridge/proto"
)

// FrameHandler receives every decoded frame from a connection, on that
// connection's read goroutine.
type FrameHandler func(Conn, proto.Header, []byte)

type Transport interface {
	Start() error
	OnFrame(FrameHandler)
	OnConnect(func(Conn) error)
	OnDisconnect(func(Conn))
	Shutdown() error
	Meta() Metadata
	SetName(name string)
	SetDescription(description string)
}

type Metadata struct {
	Name        string // Human-friendly name, e.g., "Main TCP listener"
	Protocol    string // Protocol name, e.g., "tcp", "websocket"
	Address     string // Bind address, e.g., "0.0.0.0:9090"
	Description string // Optional, short purpose/use case

	Clients    int  // Current active client count
	MaxClients int  // Max allowed clients (if applicable, else 0)
	Connected  bool // Whether the transport is currently running/bound
}

// Conn is one accepted client connection.
type Conn interface {
	ID() string
	RemoteAddr() string
	WriteFrame(typ proto.MsgType, seq uint32, payload []byte) error
	Close() error
}

func generateConnID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
