package transport

import (
	"net"
	"sync"
	"time"

	"github.com/calport/callbridge/proto"
)

// tcpConn is one accepted TCP client. The mutex serializes writers so a
// response and a shutdown notice cannot interleave on the wire.
type tcpConn struct {
	id           string
	conn         net.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func newTCPConn(conn net.Conn, writeTimeout time.Duration) *tcpConn {
	return &tcpConn{
		id:           generateConnID("tcp"),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

func (c *tcpConn) ID() string {
	return c.id
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *tcpConn) WriteFrame(typ proto.MsgType, seq uint32, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return proto.WriteFrame(c.conn, typ, seq, payload)
}

func (c *tcpConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
