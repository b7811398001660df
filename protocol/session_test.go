package protocol

import (
	"context"
	"errors"
	"testing"

	"github.com/calport/callbridge/dispatch"
	"github.com/calport/callbridge/proto"
	"github.com/calport/callbridge/service"
	"github.com/calport/callbridge/transport"
)

// fakeConn records frames instead of touching a socket.
type fakeConn struct {
	frames []recordedFrame
	closed bool
}

type recordedFrame struct {
	typ     proto.MsgType
	seq     uint32
	payload []byte
}

func (c *fakeConn) ID() string         { return "test-conn" }
func (c *fakeConn) RemoteAddr() string { return "127.0.0.1:5000" }

func (c *fakeConn) WriteFrame(typ proto.MsgType, seq uint32, payload []byte) error {
	c.frames = append(c.frames, recordedFrame{typ: typ, seq: seq, payload: payload})
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

var _ transport.Conn = (*fakeConn)(nil)

func newTestSession(t *testing.T, auth Authenticator) (*Session, *fakeConn, *dispatch.Dispatcher) {
	t.Helper()
	reg, err := service.NewRegistry(8, 4, 4096)
	if err != nil {
		t.Fatalf("Unexpected registry error: %v", err)
	}
	if err := reg.Create(1, 0); err != nil {
		t.Fatalf("Unexpected create error: %v", err)
	}

	disp := dispatch.NewDispatcher(reg)
	disp.RegisterHandler(1, dispatch.HandlerFunc(
		func(ctx context.Context, serviceID uint32, cmd service.Command) ([]byte, error) {
			return cmd.Payload, nil
		}))

	if auth == nil {
		auth = AllowAll()
	}
	conn := &fakeConn{}
	return NewSession(conn, auth, disp, 65536), conn, disp
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := proto.Marshal(v)
	if err != nil {
		t.Fatalf("Unexpected marshal error: %v", err)
	}
	return data
}

func handshakeFrame(t *testing.T) (proto.Header, []byte) {
	t.Helper()
	payload := mustMarshal(t, proto.HandshakePayload{ClientName: "test-client"})
	return proto.Header{
		Version:    proto.Version,
		Type:       proto.TypeHandshake,
		Sequence:   0,
		PayloadLen: uint32(len(payload)),
	}, payload
}

func commandFrame(t *testing.T, seq uint32, env proto.CommandEnvelope) (proto.Header, []byte) {
	t.Helper()
	payload := mustMarshal(t, env)
	return proto.Header{
		Version:    proto.Version,
		Type:       proto.TypeCommand,
		Sequence:   seq,
		PayloadLen: uint32(len(payload)),
	}, payload
}

func decodeResponse(t *testing.T, frame recordedFrame) proto.ResponseEnvelope {
	t.Helper()
	if frame.typ != proto.TypeResponse {
		t.Fatalf("Expected response frame, got %s", frame.typ)
	}
	var env proto.ResponseEnvelope
	if err := proto.Unmarshal(frame.payload, &env); err != nil {
		t.Fatalf("Unexpected unmarshal error: %v", err)
	}
	return env
}

func doHandshake(t *testing.T, s *Session) {
	t.Helper()
	h, payload := handshakeFrame(t)
	if err := s.HandleFrame(context.Background(), h, payload); err != nil {
		t.Fatalf("Unexpected handshake error: %v", err)
	}
}

func TestSession_HandshakeThenCommand(t *testing.T) {
	s, conn, _ := newTestSession(t, nil)

	// Handshake at sequence 0 moves the connection to READY and answers
	// with an acknowledgment carrying the assigned id.
	doHandshake(t, s)

	if s.State() != StateReady {
		t.Fatalf("Expected READY after handshake, got %s", s.State())
	}
	if len(conn.frames) != 1 {
		t.Fatalf("Expected 1 frame written, got %d", len(conn.frames))
	}
	if conn.frames[0].typ != proto.TypeAck {
		t.Errorf("Expected ack frame, got %s", conn.frames[0].typ)
	}
	var ack proto.AckPayload
	if err := proto.Unmarshal(conn.frames[0].payload, &ack); err != nil {
		t.Fatalf("Unexpected ack decode error: %v", err)
	}
	if ack.AssignedID != "test-conn" {
		t.Errorf("Expected assigned id test-conn, got %q", ack.AssignedID)
	}
	if s.ClientName() != "test-client" {
		t.Errorf("Expected client name test-client, got %q", s.ClientName())
	}

	// A well-formed command at sequence 1 runs end to end and the session
	// returns to READY.
	h, payload := commandFrame(t, 1, proto.CommandEnvelope{
		Service: 1, ID: 10, Data: []byte("ping"),
	})
	if err := s.HandleFrame(context.Background(), h, payload); err != nil {
		t.Fatalf("Unexpected command error: %v", err)
	}

	if s.State() != StateReady {
		t.Errorf("Expected READY after command, got %s", s.State())
	}
	resp := decodeResponse(t, conn.frames[1])
	if resp.Status != proto.StatusOK {
		t.Errorf("Expected ok response, got %s (%s)", resp.Status, resp.Code)
	}
	if string(resp.Data) != "ping" {
		t.Errorf("Expected echoed payload, got %q", resp.Data)
	}
	if conn.frames[1].seq != 1 {
		t.Errorf("Expected response to echo sequence 1, got %d", conn.frames[1].seq)
	}
}

func TestSession_SequenceGapIsFatal(t *testing.T) {
	s, conn, _ := newTestSession(t, nil)
	doHandshake(t, s)

	// Expecting sequence 1; a jump to 5 kills the connection.
	h, payload := commandFrame(t, 5, proto.CommandEnvelope{Service: 1, ID: 1})
	err := s.HandleFrame(context.Background(), h, payload)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Expected ErrProtocol, got %v", err)
	}

	if s.State() != StateClosed {
		t.Errorf("Expected CLOSED after sequence violation, got %s", s.State())
	}
	if !conn.closed {
		t.Error("Expected connection to be closed")
	}

	resp := decodeResponse(t, conn.frames[len(conn.frames)-1])
	if resp.Status != proto.StatusError || resp.Code != proto.CodeBadSequence {
		t.Errorf("Expected bad_sequence error response, got %s (%s)", resp.Status, resp.Code)
	}

	// Terminal sessions ignore any further frames.
	h2, payload2 := commandFrame(t, 1, proto.CommandEnvelope{Service: 1, ID: 2})
	if err := s.HandleFrame(context.Background(), h2, payload2); err != nil {
		t.Errorf("Expected terminal session to drop frames silently, got %v", err)
	}
}

func TestSession_BadVersion(t *testing.T) {
	s, conn, _ := newTestSession(t, nil)

	h, payload := handshakeFrame(t)
	h.Version = 9
	err := s.HandleFrame(context.Background(), h, payload)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Expected ErrProtocol, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected CLOSED, got %s", s.State())
	}
	resp := decodeResponse(t, conn.frames[0])
	if resp.Code != proto.CodeBadVersion {
		t.Errorf("Expected bad_version code, got %s", resp.Code)
	}
}

func TestSession_CommandBeforeHandshake(t *testing.T) {
	s, conn, _ := newTestSession(t, nil)

	h, payload := commandFrame(t, 0, proto.CommandEnvelope{Service: 1, ID: 1})
	err := s.HandleFrame(context.Background(), h, payload)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Expected ErrProtocol, got %v", err)
	}
	if !conn.closed {
		t.Error("Expected connection to be closed")
	}
}

func TestSession_AuthRejected(t *testing.T) {
	auth := AuthenticatorFunc(func(ctx context.Context, credentials []byte) error {
		return errors.New("bad token")
	})
	s, conn, _ := newTestSession(t, auth)

	h, payload := handshakeFrame(t)
	err := s.HandleFrame(context.Background(), h, payload)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Expected ErrProtocol, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected CLOSED after rejected handshake, got %s", s.State())
	}
	resp := decodeResponse(t, conn.frames[0])
	if resp.Code != proto.CodeAuthRejected {
		t.Errorf("Expected auth_rejected code, got %s", resp.Code)
	}
}

func TestSession_UnknownServiceIsRecoverable(t *testing.T) {
	s, conn, _ := newTestSession(t, nil)
	doHandshake(t, s)

	h, payload := commandFrame(t, 1, proto.CommandEnvelope{Service: 99, ID: 1})
	if err := s.HandleFrame(context.Background(), h, payload); err != nil {
		t.Fatalf("Expected recoverable failure, got %v", err)
	}

	if s.State() != StateReady {
		t.Errorf("Expected session to stay READY, got %s", s.State())
	}
	resp := decodeResponse(t, conn.frames[1])
	if resp.Status != proto.StatusError || resp.Code != proto.CodeNotFound {
		t.Errorf("Expected not_found error response, got %s (%s)", resp.Status, resp.Code)
	}

	// Sequencing advanced past the failed command; the next one works.
	h2, payload2 := commandFrame(t, 2, proto.CommandEnvelope{
		Service: 1, ID: 2, Data: []byte("ok"),
	})
	if err := s.HandleFrame(context.Background(), h2, payload2); err != nil {
		t.Fatalf("Unexpected command error: %v", err)
	}
	if resp := decodeResponse(t, conn.frames[2]); resp.Status != proto.StatusOK {
		t.Errorf("Expected ok response after recoverable failure, got %s", resp.Status)
	}
}

func TestSession_QueueFullIsRecoverable(t *testing.T) {
	s, conn, disp := newTestSession(t, nil)
	doHandshake(t, s)

	// Saturate the queue out of band so the next wire command is rejected.
	for i := 0; i < 4; i++ {
		if err := disp.Enqueue(1, service.Command{ID: uint32(100 + i)}); err != nil {
			t.Fatalf("Unexpected enqueue error: %v", err)
		}
	}

	h, payload := commandFrame(t, 1, proto.CommandEnvelope{Service: 1, ID: 1})
	if err := s.HandleFrame(context.Background(), h, payload); err != nil {
		t.Fatalf("Expected recoverable failure, got %v", err)
	}

	if s.State() != StateReady {
		t.Errorf("Expected session to stay READY, got %s", s.State())
	}
	resp := decodeResponse(t, conn.frames[1])
	if resp.Code != proto.CodeQueueFull {
		t.Errorf("Expected queue_full code, got %s", resp.Code)
	}
}

func TestSession_MalformedEnvelopeIsRecoverable(t *testing.T) {
	s, conn, _ := newTestSession(t, nil)
	doHandshake(t, s)

	garbage := []byte{0xff, 0x01, 0x02}
	h := proto.Header{
		Version:    proto.Version,
		Type:       proto.TypeCommand,
		Sequence:   1,
		PayloadLen: uint32(len(garbage)),
	}
	if err := s.HandleFrame(context.Background(), h, garbage); err != nil {
		t.Fatalf("Expected recoverable failure, got %v", err)
	}

	if s.State() != StateReady {
		t.Errorf("Expected session to stay READY, got %s", s.State())
	}
	resp := decodeResponse(t, conn.frames[1])
	if resp.Code != proto.CodeMalformed {
		t.Errorf("Expected malformed code, got %s", resp.Code)
	}
}

func TestSession_OversizedFrameIsFatal(t *testing.T) {
	s, conn, _ := newTestSession(t, nil)
	doHandshake(t, s)

	h := proto.Header{
		Version:    proto.Version,
		Type:       proto.TypeCommand,
		Sequence:   1,
		PayloadLen: 1 << 20,
	}
	err := s.HandleFrame(context.Background(), h, nil)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Expected ErrProtocol, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("Expected CLOSED, got %s", s.State())
	}
	if !conn.closed {
		t.Error("Expected connection to be closed")
	}
}

func TestSession_Batch(t *testing.T) {
	s, conn, _ := newTestSession(t, nil)
	doHandshake(t, s)

	// Six commands against a queue of four: four accepted and processed,
	// two rejected, reported as a partial-acceptance error.
	batch := proto.BatchEnvelope{}
	for i := 0; i < 6; i++ {
		batch.Commands = append(batch.Commands, proto.CommandEnvelope{
			ID: uint32(i), Data: []byte{byte(i)},
		})
	}
	h, payload := commandFrame(t, 1, proto.CommandEnvelope{
		Service: 1,
		Flags:   service.FlagBatch,
		Data:    mustMarshal(t, batch),
	})
	if err := s.HandleFrame(context.Background(), h, payload); err != nil {
		t.Fatalf("Unexpected batch error: %v", err)
	}

	resp := decodeResponse(t, conn.frames[1])
	if resp.Status != proto.StatusError || resp.Code != proto.CodeQueueFull {
		t.Errorf("Expected partial acceptance reported as queue_full, got %s (%s)", resp.Status, resp.Code)
	}

	var result proto.BatchResult
	if err := proto.Unmarshal(resp.Data, &result); err != nil {
		t.Fatalf("Unexpected result decode error: %v", err)
	}
	if result.Accepted != 4 || result.Rejected != 2 {
		t.Errorf("Expected 4 accepted / 2 rejected, got %d / %d", result.Accepted, result.Rejected)
	}
	if len(result.Results) != 4 {
		t.Fatalf("Expected 4 results, got %d", len(result.Results))
	}
	for i, out := range result.Results {
		if len(out) != 1 || out[0] != byte(i) {
			t.Errorf("Expected echoed result %d, got %v", i, out)
		}
	}
}

func TestSession_ReportsServiceUseOnce(t *testing.T) {
	s, _, _ := newTestSession(t, nil)

	var reported []uint32
	s.OnServiceUsed = func(serviceID uint32) {
		reported = append(reported, serviceID)
	}

	doHandshake(t, s)
	for seq := uint32(1); seq <= 3; seq++ {
		h, payload := commandFrame(t, seq, proto.CommandEnvelope{
			Service: 1, ID: seq, Data: []byte("x"),
		})
		if err := s.HandleFrame(context.Background(), h, payload); err != nil {
			t.Fatalf("Unexpected command error: %v", err)
		}
	}

	// Three accepted commands, one service: the hook fires exactly once.
	if len(reported) != 1 || reported[0] != 1 {
		t.Errorf("Expected single report for service 1, got %v", reported)
	}

	// A rejected command never reports use.
	h, payload := commandFrame(t, 4, proto.CommandEnvelope{Service: 99, ID: 9})
	if err := s.HandleFrame(context.Background(), h, payload); err != nil {
		t.Fatalf("Expected recoverable failure, got %v", err)
	}
	if len(reported) != 1 {
		t.Errorf("Expected no report for rejected command, got %v", reported)
	}
}

func TestSession_StateString(t *testing.T) {
	states := map[State]string{
		StateInit:        "init",
		StateHandshaking: "handshaking",
		StateReady:       "ready",
		StateExecuting:   "executing",
		StateError:       "error",
		StateClosed:      "closed",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}
