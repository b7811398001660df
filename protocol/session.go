package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/calport/callbridge/dispatch"
	"github.com/calport/callbridge/proto"
	"github.com/calport/callbridge/service"
	"github.com/calport/callbridge/transport"
)

// ErrProtocol marks violations that terminate the connection: bad version,
// broken sequencing, oversized frames, messages in the wrong state.
var ErrProtocol = errors.New("protocol error")

type State int

const (
	StateInit State = iota
	StateHandshaking
	StateReady
	StateExecuting
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session drives the per-connection state machine:
//
//	INIT -> HANDSHAKING -> READY <-> EXECUTING
//	any state -> ERROR -> CLOSED (terminal)
//
// Sequencing turns the connection into an ordered channel: the handshake
// carries sequence 0 and every accepted command must carry the previous
// sequence plus one, so the dispatcher can assume in-order, at-most-once
// delivery per connection without its own deduplication.
type Session struct {
	conn       transport.Conn
	auth       Authenticator
	disp       *dispatch.Dispatcher
	maxMessage uint32

	// OnReject, if set, is called with the error code of every command
	// answered with a recoverable error response. Set before the first
	// frame arrives.
	OnReject func(code string)

	// OnServiceUsed, if set, is called the first time this connection
	// gets a command accepted by a service, so the coordinator can bind
	// the endpoint to it. Set before the first frame arrives.
	OnServiceUsed func(serviceID uint32)

	mu         sync.Mutex
	state      State
	nextSeq    uint32
	clientName string
	used       map[uint32]struct{}
}

func NewSession(conn transport.Conn, auth Authenticator, disp *dispatch.Dispatcher, maxMessage uint32) *Session {
	return &Session{
		conn:       conn,
		auth:       auth,
		disp:       disp,
		maxMessage: maxMessage,
		state:      StateInit,
		used:       make(map[uint32]struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ClientName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientName
}

// Close marks the session terminal. Called by the coordinator when the
// underlying connection goes away.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}

// HandleFrame feeds one decoded frame into the state machine. It returns a
// wrapped ErrProtocol when the frame killed the connection; recoverable
// failures (full queue, handler error) are answered on the wire and return
// nil.
func (s *Session) HandleFrame(ctx context.Context, h proto.Header, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateError, StateClosed:
		return nil // terminal; nothing more is accepted
	}

	if h.Version != proto.Version {
		return s.failLocked(h.Sequence, proto.CodeBadVersion,
			fmt.Errorf("version %d", h.Version))
	}
	if h.PayloadLen > s.maxMessage {
		return s.failLocked(h.Sequence, proto.CodeOversized,
			fmt.Errorf("payload length %d", h.PayloadLen))
	}
	if !h.Type.Valid() {
		return s.failLocked(h.Sequence, proto.CodeBadType,
			fmt.Errorf("type 0x%02x", byte(h.Type)))
	}

	switch s.state {
	case StateInit:
		return s.handleHandshakeLocked(ctx, h, payload)
	case StateReady:
		return s.handleCommandLocked(ctx, h, payload)
	default:
		return s.failLocked(h.Sequence, proto.CodeUnexpectedState,
			fmt.Errorf("frame %s in state %s", h.Type, s.state))
	}
}

func (s *Session) handleHandshakeLocked(ctx context.Context, h proto.Header, payload []byte) error {
	if h.Type != proto.TypeHandshake || h.Sequence != 0 {
		return s.failLocked(h.Sequence, proto.CodeUnexpectedState,
			fmt.Errorf("expected handshake with sequence 0, got %s seq %d", h.Type, h.Sequence))
	}

	s.state = StateHandshaking

	var hs proto.HandshakePayload
	if err := proto.Unmarshal(payload, &hs); err != nil {
		return s.failLocked(h.Sequence, proto.CodeMalformed, err)
	}

	if err := s.auth.Validate(ctx, hs.Credentials); err != nil {
		slog.Warn("Handshake rejected", "conn", s.conn.ID(), "error", err.Error())
		return s.failLocked(h.Sequence, proto.CodeAuthRejected, err)
	}

	ack, err := proto.Marshal(proto.AckPayload{
		AssignedID: s.conn.ID(),
		Status:     proto.StatusOK,
	})
	if err != nil {
		return s.failLocked(h.Sequence, proto.CodeMalformed, err)
	}
	if err := s.conn.WriteFrame(proto.TypeAck, h.Sequence, ack); err != nil {
		s.state = StateClosed
		return fmt.Errorf("%w: write ack: %v", ErrProtocol, err)
	}

	s.clientName = hs.ClientName
	s.nextSeq = 1
	s.state = StateReady
	slog.Debug("Handshake accepted", "conn", s.conn.ID(), "client", s.clientName)
	return nil
}

func (s *Session) handleCommandLocked(ctx context.Context, h proto.Header, payload []byte) error {
	if h.Type != proto.TypeCommand {
		return s.failLocked(h.Sequence, proto.CodeUnexpectedState,
			fmt.Errorf("frame %s in state %s", h.Type, s.state))
	}
	if h.Sequence != s.nextSeq {
		return s.failLocked(h.Sequence, proto.CodeBadSequence,
			fmt.Errorf("expected sequence %d, got %d", s.nextSeq, h.Sequence))
	}
	s.nextSeq++

	var env proto.CommandEnvelope
	if err := proto.Unmarshal(payload, &env); err != nil {
		// The header was well formed and in order; a garbled envelope is
		// answered, not fatal.
		s.respondErrorLocked(h.Sequence, proto.CodeMalformed)
		return nil
	}

	s.state = StateExecuting
	defer func() {
		if s.state == StateExecuting {
			s.state = StateReady
		}
	}()

	if env.Flags&service.FlagBatch != 0 {
		s.executeBatchLocked(ctx, h.Sequence, env)
		return nil
	}
	s.executeLocked(ctx, h.Sequence, env)
	return nil
}

// markUsedLocked reports first use of a service by this connection.
func (s *Session) markUsedLocked(serviceID uint32) {
	if _, ok := s.used[serviceID]; ok {
		return
	}
	s.used[serviceID] = struct{}{}
	if s.OnServiceUsed != nil {
		s.OnServiceUsed(serviceID)
	}
}

func (s *Session) executeLocked(ctx context.Context, seq uint32, env proto.CommandEnvelope) {
	cmd := service.Command{ID: env.ID, Flags: env.Flags, Payload: env.Data}

	if err := s.disp.Enqueue(env.Service, cmd); err != nil {
		s.respondErrorLocked(seq, enqueueCode(err))
		return
	}
	s.markUsedLocked(env.Service)

	result, err := s.disp.Process(ctx, env.Service)
	if err != nil {
		s.respondErrorLocked(seq, processCode(err))
		return
	}
	s.respondLocked(seq, proto.ResponseEnvelope{Status: proto.StatusOK, Data: result})
}

func (s *Session) executeBatchLocked(ctx context.Context, seq uint32, env proto.CommandEnvelope) {
	var batch proto.BatchEnvelope
	if err := proto.Unmarshal(env.Data, &batch); err != nil {
		s.respondErrorLocked(seq, proto.CodeMalformed)
		return
	}

	cmds := make([]service.Command, len(batch.Commands))
	for i, c := range batch.Commands {
		cmds[i] = service.Command{ID: c.ID, Flags: c.Flags, Payload: c.Data}
	}

	accepted, err := s.disp.EnqueueBatch(env.Service, cmds)
	if err != nil {
		s.respondErrorLocked(seq, enqueueCode(err))
		return
	}
	if accepted > 0 {
		s.markUsedLocked(env.Service)
	}

	result := proto.BatchResult{
		Accepted: uint32(accepted),
		Rejected: uint32(len(cmds) - accepted),
		Results:  make([][]byte, 0, accepted),
	}
	for i := 0; i < accepted; i++ {
		out, perr := s.disp.Process(ctx, env.Service)
		if perr != nil {
			out = nil
		}
		result.Results = append(result.Results, out)
	}

	data, merr := proto.Marshal(result)
	if merr != nil {
		s.respondErrorLocked(seq, proto.CodeMalformed)
		return
	}

	resp := proto.ResponseEnvelope{Status: proto.StatusOK, Data: data}
	if result.Rejected > 0 {
		// Partial acceptance is reported as an error so the binding can
		// resubmit the remainder; the counts are in the payload.
		resp.Status = proto.StatusError
		resp.Code = proto.CodeQueueFull
	}
	s.respondLocked(seq, resp)
}

// respondLocked frames a response back to the client; EXECUTING returns to
// READY via the caller's defer.
func (s *Session) respondLocked(seq uint32, env proto.ResponseEnvelope) {
	data, err := proto.Marshal(env)
	if err != nil {
		slog.Error("Failed to encode response", "conn", s.conn.ID(), "error", err.Error())
		return
	}
	if err := s.conn.WriteFrame(proto.TypeResponse, seq, data); err != nil {
		slog.Warn("Failed to write response", "conn", s.conn.ID(), "error", err.Error())
		s.state = StateClosed
	}
}

func (s *Session) respondErrorLocked(seq uint32, code string) {
	if s.OnReject != nil {
		s.OnReject(code)
	}
	s.respondLocked(seq, proto.ResponseEnvelope{Status: proto.StatusError, Code: code})
}

// failLocked handles protocol violations: best-effort error response, then
// the connection is closed and no further frames are accepted.
func (s *Session) failLocked(seq uint32, code string, cause error) error {
	s.state = StateError
	slog.Warn("Protocol error", "conn", s.conn.ID(), "code", code, "error", cause.Error())

	if data, err := proto.Marshal(proto.ResponseEnvelope{
		Status: proto.StatusError,
		Code:   code,
	}); err == nil {
		s.conn.WriteFrame(proto.TypeResponse, seq, data)
	}

	s.conn.Close()
	s.state = StateClosed
	return fmt.Errorf("%w: %s: %v", ErrProtocol, code, cause)
}

func enqueueCode(err error) string {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return proto.CodeNotFound
	case errors.Is(err, service.ErrQueueFull):
		return proto.CodeQueueFull
	case errors.Is(err, service.ErrPayloadTooLarge):
		return proto.CodeOversized
	default:
		return proto.CodeHandlerError
	}
}

func processCode(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrTransform):
		return proto.CodeTransformError
	case errors.Is(err, service.ErrQueueEmpty):
		return proto.CodeEmptyQueue
	case errors.Is(err, service.ErrNotFound):
		return proto.CodeNotFound
	default:
		return proto.CodeHandlerError
	}
}
