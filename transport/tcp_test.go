package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/calport/callbridge/proto"
)

// frameCollector wires the three transport callbacks into inspectable
// state for tests.
type frameCollector struct {
	mu        sync.Mutex
	connects  int
	frames    []proto.Header
	gone      int
	connected chan struct{}
	received  chan struct{}
}

func newFrameCollector() *frameCollector {
	return &frameCollector{
		connected: make(chan struct{}, 8),
		received:  make(chan struct{}, 8),
	}
}

func (c *frameCollector) onConnect(conn Conn) error {
	c.mu.Lock()
	c.connects++
	c.mu.Unlock()
	c.connected <- struct{}{}
	return nil
}

func (c *frameCollector) onFrame(conn Conn, h proto.Header, payload []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, h)
	c.mu.Unlock()
	c.received <- struct{}{}
}

func (c *frameCollector) onDisconnect(conn Conn) {
	c.mu.Lock()
	c.gone++
	c.mu.Unlock()
}

func startTestTransport(t *testing.T, tr *TCPTransport, col *frameCollector) {
	t.Helper()
	tr.OnConnect(col.onConnect)
	tr.OnDisconnect(col.onDisconnect)
	tr.OnFrame(col.onFrame)
	tr.SetTimeouts(50*time.Millisecond, 50*time.Millisecond, time.Second)

	go func() {
		if err := tr.Start(); err != nil {
			t.Errorf("Transport failed: %v", err)
		}
	}()
	t.Cleanup(func() { tr.Shutdown() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.Meta().Connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Transport did not bind in time")
}

func TestTCPTransport_RequiresCallbacks(t *testing.T) {
	tr := NewTCPTransport("127.0.0.1:0", 1024)
	if err := tr.Start(); err == nil {
		t.Error("Expected error when starting without callbacks")
	}
}

func TestTCPTransport_DeliversFrames(t *testing.T) {
	tr := NewTCPTransport("127.0.0.1:0", 1024)
	col := newFrameCollector()
	startTestTransport(t, tr, col)

	conn, err := net.Dial("tcp", tr.BoundAddr())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-col.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("Connect callback not fired")
	}

	if err := proto.WriteFrame(conn, proto.TypeHandshake, 0, []byte("hello")); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	select {
	case <-col.received:
	case <-time.After(2 * time.Second):
		t.Fatal("Frame not delivered")
	}

	col.mu.Lock()
	defer col.mu.Unlock()
	if len(col.frames) != 1 {
		t.Fatalf("Expected 1 frame, got %d", len(col.frames))
	}
	h := col.frames[0]
	if h.Type != proto.TypeHandshake || h.Sequence != 0 || h.PayloadLen != 5 {
		t.Errorf("Unexpected frame header: %+v", h)
	}
}

func TestTCPTransport_MaxClients(t *testing.T) {
	tr := NewTCPTransport("127.0.0.1:0", 1024)
	tr.SetMaxClients(1)
	col := newFrameCollector()
	startTestTransport(t, tr, col)

	first, err := net.Dial("tcp", tr.BoundAddr())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer first.Close()

	select {
	case <-col.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("First client not registered")
	}
	time.Sleep(50 * time.Millisecond) // let the client land in the registry

	// The second connection is accepted then closed; a read observes EOF.
	second, err := net.Dial("tcp", tr.BoundAddr())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, rerr := second.Read(make([]byte, 1)); rerr == nil {
		t.Error("Expected second connection to be closed by the server")
	}

	col.mu.Lock()
	defer col.mu.Unlock()
	if col.connects != 1 {
		t.Errorf("Expected 1 registered client, got %d", col.connects)
	}
}

func TestTCPTransport_RateLimitRejects(t *testing.T) {
	tr := NewTCPTransport("127.0.0.1:0", 1024)
	tr.SetLimiter(NewConnLimiter(0.1, 1, time.Minute))
	col := newFrameCollector()
	startTestTransport(t, tr, col)

	first, err := net.Dial("tcp", tr.BoundAddr())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer first.Close()

	select {
	case <-col.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("First client not registered")
	}

	second, err := net.Dial("tcp", tr.BoundAddr())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, rerr := second.Read(make([]byte, 1)); rerr == nil {
		t.Error("Expected rate-limited connection to be closed")
	}
}

func TestTCPTransport_Meta(t *testing.T) {
	tr := NewTCPTransport("127.0.0.1:0", 1024)
	tr.SetName("Main TCP listener")
	tr.SetDescription("Bridge transport")
	col := newFrameCollector()
	startTestTransport(t, tr, col)

	meta := tr.Meta()
	if meta.Name != "Main TCP listener" {
		t.Errorf("Expected transport name, got %q", meta.Name)
	}
	if meta.Protocol != "tcp" {
		t.Errorf("Expected tcp protocol, got %q", meta.Protocol)
	}
	if !meta.Connected {
		t.Error("Expected transport to report connected")
	}
}
