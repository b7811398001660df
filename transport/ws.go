package transport

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/calport/callbridge/proto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // bindings connect from arbitrary hosts
	},
}

// WSTransport serves the same framed protocol over WebSocket; every binary
// WebSocket message carries exactly one frame (header plus payload).
type WSTransport struct {
	Addr         string
	server       *http.Server
	onFrame      FrameHandler
	onConnect    func(Conn) error
	onDisconnect func(Conn)

	name        string
	description string
	clients     map[string]Conn
	cmu         sync.RWMutex

	maxClients   int
	maxMessage   uint32
	writeTimeout time.Duration
	limiter      *ConnLimiter

	connected  atomic.Bool
	inShutdown atomic.Bool
}

func NewWSTransport(addr string, maxMessage uint32) *WSTransport {
	return &WSTransport{
		Addr:         addr,
		clients:      make(map[string]Conn),
		maxClients:   defaultMaxClients,
		maxMessage:   maxMessage,
		writeTimeout: defaultWriteTimeout,
	}
}

func (t *WSTransport) Start() error {
	slog.Info("Starting websocket listener", "addr", t.Addr)

	if t.onConnect == nil || t.onDisconnect == nil || t.onFrame == nil {
		return fmt.Errorf("the OnConnect, OnDisconnect, or OnFrame function is not defined; this transport is likely being started outside of the server coordinator")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleWebSocket)

	t.server = &http.Server{
		Addr:    t.Addr,
		Handler: mux,
	}

	t.connected.Store(true)
	err := t.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		t.connected.Store(false)
		return err
	}
	return nil
}

func (t *WSTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !t.limiter.Allow(hostOf(r.RemoteAddr), time.Now()) {
		slog.Warn("Connection rate limit exceeded, rejecting upgrade", "remote_addr", r.RemoteAddr)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}

	t.cmu.RLock()
	clientCount := len(t.clients)
	t.cmu.RUnlock()

	if clientCount >= t.maxClients {
		slog.Warn("Max clients reached, rejecting connection", "remote_addr", r.RemoteAddr, "max", t.maxClients)
		conn.Close()
		return
	}

	go t.handleConnection(conn, r.RemoteAddr)
}

func (t *WSTransport) handleConnection(conn *websocket.Conn, remoteAddr string) {
	slog.Info("WebSocket client connected", "addr", remoteAddr)

	client := newWSConn(conn, remoteAddr, t.writeTimeout)

	defer func() {
		t.cmu.Lock()
		delete(t.clients, client.id)
		t.cmu.Unlock()

		t.onDisconnect(client)

		conn.Close()
		slog.Info("WebSocket client disconnected", "addr", remoteAddr, "id", client.id)
	}()

	if err := t.onConnect(client); err != nil {
		slog.Error("Failed to register connection", "addr", remoteAddr, "error", err.Error())
		return
	}

	t.cmu.Lock()
	t.clients[client.id] = client
	t.cmu.Unlock()

	conn.SetReadLimit(int64(t.maxMessage) + proto.HeaderSize)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("WebSocket connection error", "addr", remoteAddr, "error", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			slog.Warn("Ignoring non-binary websocket message", "addr", remoteAddr, "id", client.id)
			continue
		}
		h, err := proto.DecodeHeader(data)
		if err != nil {
			slog.Warn("Truncated frame header", "addr", remoteAddr, "id", client.id, "size", len(data))
			return
		}
		if int(h.PayloadLen) != len(data)-proto.HeaderSize {
			slog.Warn("Frame length mismatch", "addr", remoteAddr, "id", client.id,
				"declared", h.PayloadLen, "actual", len(data)-proto.HeaderSize)
			return
		}
		t.onFrame(client, h, data[proto.HeaderSize:])
	}
}

func (t *WSTransport) Shutdown() error {
	slog.Info("Shutting down websocket listener", "addr", t.Addr)
	t.inShutdown.Store(true)

	t.cmu.Lock()
	for _, client := range t.clients {
		client.Close()
	}
	t.cmu.Unlock()

	if t.server != nil {
		t.connected.Store(false)
		return t.server.Close()
	}
	return nil
}

func (t *WSTransport) OnFrame(fn FrameHandler) {
	t.onFrame = fn
}

func (t *WSTransport) OnConnect(fn func(Conn) error) {
	t.onConnect = fn
}

func (t *WSTransport) OnDisconnect(fn func(Conn)) {
	t.onDisconnect = fn
}

func (t *WSTransport) Meta() Metadata {
	t.cmu.RLock()
	clientCount := len(t.clients)
	t.cmu.RUnlock()
	return Metadata{
		Name:        t.name,
		Description: t.description,
		Protocol:    "websocket",
		Address:     t.Addr,
		Clients:     clientCount,
		MaxClients:  t.maxClients,
		Connected:   t.connected.Load(),
	}
}

func (t *WSTransport) SetName(name string)               { t.name = name }
func (t *WSTransport) SetDescription(description string) { t.description = description }
func (t *WSTransport) SetMaxClients(n int)               { t.maxClients = n }
func (t *WSTransport) SetLimiter(l *ConnLimiter)         { t.limiter = l }

// wsConn adapts a websocket connection to the Conn interface.
type wsConn struct {
	id           string
	conn         *websocket.Conn
	remoteAddr   string
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func newWSConn(conn *websocket.Conn, remoteAddr string, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		id:           generateConnID("ws"),
		conn:         conn,
		remoteAddr:   remoteAddr,
		writeTimeout: writeTimeout,
	}
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) RemoteAddr() string {
	return c.remoteAddr
}

func (c *wsConn) WriteFrame(typ proto.MsgType, seq uint32, payload []byte) error {
	h := proto.Header{
		Version:    proto.Version,
		Type:       typ,
		Sequence:   seq,
		PayloadLen: uint32(len(payload)),
	}
	buf := h.Encode(make([]byte, 0, proto.HeaderSize+len(payload)))
	buf = append(buf, payload...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, buf)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
