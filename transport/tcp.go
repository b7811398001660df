package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calport/callbridge/proto"
)

const (
	defaultMaxClients    = 128
	defaultAcceptTimeout = time.Second
	defaultReadTimeout   = time.Second
	defaultWriteTimeout  = 3 * time.Second
)

type TCPTransport struct {
	Addr         string
	endpoint     *Endpoint
	onFrame      FrameHandler
	onConnect    func(Conn) error
	onDisconnect func(Conn)

	name        string
	description string
	clients     map[string]Conn
	cmu         sync.RWMutex

	maxClients    int
	maxMessage    uint32
	acceptTimeout time.Duration
	readTimeout   time.Duration
	writeTimeout  time.Duration
	limiter       *ConnLimiter

	connected  atomic.Bool
	inShutdown atomic.Bool
}

func NewTCPTransport(addr string, maxMessage uint32) *TCPTransport {
	return &TCPTransport{
		Addr:          addr,
		clients:       make(map[string]Conn),
		maxClients:    defaultMaxClients,
		maxMessage:    maxMessage,
		acceptTimeout: defaultAcceptTimeout,
		readTimeout:   defaultReadTimeout,
		writeTimeout:  defaultWriteTimeout,
	}
}

func (t *TCPTransport) Start() error {
	slog.Info("Starting tcp listener", "addr", t.Addr)

	if t.onConnect == nil || t.onDisconnect == nil || t.onFrame == nil {
		return fmt.Errorf("the OnConnect, OnDisconnect, or OnFrame function is not defined; this transport is likely being started outside of the server coordinator")
	}

	ep, err := Listen("tcp", t.Addr)
	if err != nil {
		return err
	}
	t.endpoint = ep
	t.connected.Store(true)
	defer func() {
		ep.Close()
		t.connected.Store(false)
	}()

	for {
		conn, err := ep.Accept(t.acceptTimeout)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if t.inShutdown.Load() {
					return nil
				}
				continue
			}
			if t.inShutdown.Load() || errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}

		remote := conn.RemoteAddr().String()
		if !t.limiter.Allow(hostOf(remote), time.Now()) {
			slog.Warn("Connection rate limit exceeded, rejecting connection", "remote_addr", remote)
			conn.Close()
			continue
		}

		t.cmu.RLock()
		clientCount := len(t.clients)
		t.cmu.RUnlock()

		if clientCount >= t.maxClients {
			// Accepted at the OS level then closed, so the backlog does
			// not pile up on the listening socket.
			slog.Warn("Max clients reached, rejecting connection", "remote_addr", remote, "max", t.maxClients)
			conn.Close()
			continue
		}

		go t.handleConnection(conn)
	}
}

func (t *TCPTransport) handleConnection(c net.Conn) {
	remote := c.RemoteAddr().String()
	slog.Info("Client connected", "addr", remote)

	client := newTCPConn(c, t.writeTimeout)

	defer func() {
		t.cmu.Lock()
		delete(t.clients, client.id)
		t.cmu.Unlock()

		t.onDisconnect(client)

		c.Close()
		slog.Info("Client disconnected", "addr", remote, "id", client.id)
	}()

	if err := t.onConnect(client); err != nil {
		slog.Error("Failed to register connection", "addr", remote, "error", err.Error())
		return
	}
	t.cmu.Lock()
	t.clients[client.id] = client
	t.cmu.Unlock()

	for {
		// The read deadline bounds how long this loop blocks, so a
		// shutdown is observed within one interval.
		c.SetReadDeadline(time.Now().Add(t.readTimeout))
		cr := &countingReader{r: c}
		h, payload, err := proto.ReadFrame(cr, t.maxMessage)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if t.inShutdown.Load() {
					return
				}
				if cr.n == 0 {
					continue // idle connection, keep waiting
				}
				// A timeout mid-frame desynchronizes the stream.
				slog.Warn("Stalled mid-frame, dropping connection", "addr", remote, "id", client.id)
				return
			}
			if errors.Is(err, proto.ErrPayloadTooLarge) {
				// Framing is unrecoverable past an oversized length
				// field; report the header and drop the connection.
				t.onFrame(client, h, nil)
				slog.Warn("Oversized frame", "addr", remote, "id", client.id, "len", h.PayloadLen)
				return
			}
			if t.inShutdown.Load() {
				return
			}
			slog.Debug("Read loop ended", "addr", remote, "id", client.id, "error", err)
			return
		}
		t.onFrame(client, h, payload)
	}
}

func (t *TCPTransport) Shutdown() error {
	slog.Info("Shutting down tcp listener", "addr", t.Addr)
	t.inShutdown.Store(true)

	t.cmu.Lock()
	for _, client := range t.clients {
		client.Close()
	}
	t.cmu.Unlock()

	if t.endpoint != nil {
		return t.endpoint.Close()
	}
	return nil
}

func (t *TCPTransport) OnFrame(fn FrameHandler) {
	t.onFrame = fn
}

func (t *TCPTransport) OnConnect(fn func(Conn) error) {
	t.onConnect = fn
}

func (t *TCPTransport) OnDisconnect(fn func(Conn)) {
	t.onDisconnect = fn
}

func (t *TCPTransport) Meta() Metadata {
	t.cmu.RLock()
	clientCount := len(t.clients)
	t.cmu.RUnlock()

	addr := t.Addr
	if t.endpoint != nil {
		addr = t.endpoint.Addr()
	}
	return Metadata{
		Name:        t.name,
		Description: t.description,
		Protocol:    "tcp",
		Address:     addr,
		Clients:     clientCount,
		MaxClients:  t.maxClients,
		Connected:   t.connected.Load(),
	}
}

// BoundAddr returns the address the listener actually bound, useful when
// the configured address used port 0.
func (t *TCPTransport) BoundAddr() string {
	if t.endpoint != nil {
		return t.endpoint.Addr()
	}
	return t.Addr
}

func (t *TCPTransport) SetName(name string)               { t.name = name }
func (t *TCPTransport) SetDescription(description string) { t.description = description }
func (t *TCPTransport) SetMaxClients(n int)               { t.maxClients = n }
func (t *TCPTransport) SetLimiter(l *ConnLimiter)         { t.limiter = l }

func (t *TCPTransport) SetTimeouts(accept, read, write time.Duration) {
	if accept > 0 {
		t.acceptTimeout = accept
	}
	if read > 0 {
		t.readTimeout = read
	}
	if write > 0 {
		t.writeTimeout = write
	}
}

// countingReader tracks whether any bytes were consumed, so an idle
// timeout can be told apart from a stall in the middle of a frame.
type countingReader struct {
	r io.Reader
	n int
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += n
	return n, err
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
