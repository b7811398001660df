package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var (
	ErrBind     = errors.New("failed to bind address")
	ErrSocket   = errors.New("socket error")
	ErrCapacity = errors.New("client capacity reached")
	ErrClosed   = errors.New("endpoint closed")
)

type Role int

const (
	RoleClient Role = iota
	RoleServer
	RolePeer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	case RolePeer:
		return "peer"
	default:
		return "unknown"
	}
}

// Endpoint owns one socket and its address metadata. The mutex guards
// role/active/socket fields; the socket handle is only valid while active.
type Endpoint struct {
	mu      sync.Mutex
	network string
	addr    string
	role    Role
	ln      net.Listener
	conn    net.Conn
	active  bool
}

// Listen binds a server endpoint on the given address.
func Listen(network, addr string) (*Endpoint, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrBind, network, addr, err)
	}
	return &Endpoint{
		network: network,
		addr:    ln.Addr().String(),
		role:    RoleServer,
		ln:      ln,
		active:  true,
	}, nil
}

// Dial opens a client endpoint connected to addr.
func Dial(network, addr string, timeout time.Duration) (*Endpoint, error) {
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s %s: %v", ErrSocket, network, addr, err)
	}
	return &Endpoint{
		network: network,
		addr:    addr,
		role:    RoleClient,
		conn:    conn,
		active:  true,
	}, nil
}

// Accept waits for one incoming connection, bounded by timeout so a
// shutdown flag can be observed between attempts. A timeout is returned
// as a net.Error with Timeout() == true.
func (e *Endpoint) Accept(timeout time.Duration) (net.Conn, error) {
	e.mu.Lock()
	ln := e.ln
	active := e.active
	e.mu.Unlock()

	if !active || ln == nil {
		return nil, ErrClosed
	}
	if d, ok := ln.(interface{ SetDeadline(time.Time) error }); ok && timeout > 0 {
		d.SetDeadline(time.Now().Add(timeout))
	}
	return ln.Accept()
}

// Conn returns the connected socket for client endpoints.
func (e *Endpoint) Conn() net.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

func (e *Endpoint) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

func (e *Endpoint) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

func (e *Endpoint) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Close shuts the endpoint down. Safe to call more than once.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return nil
	}
	e.active = false
	var err error
	if e.ln != nil {
		err = e.ln.Close()
		e.ln = nil
	}
	if e.conn != nil {
		if cerr := e.conn.Close(); err == nil {
			err = cerr
		}
		e.conn = nil
	}
	return err
}
