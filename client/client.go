// Package client is the Go binding for a callbridge server: it dials the
// dispatch core, completes the authenticated handshake and issues sequenced
// command calls.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/calport/callbridge/proto"
	"github.com/calport/callbridge/service"
	"github.com/calport/callbridge/transport"
)

var (
	ErrNotConnected = errors.New("client is not connected")
	ErrNoHandshake  = errors.New("handshake has not completed")
	ErrRemote       = errors.New("server returned an error")
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultCallTimeout = 10 * time.Second
	defaultMaxMessage  = 64 * 1024
)

type Options struct {
	DialTimeout time.Duration
	CallTimeout time.Duration
	MaxMessage  uint32
	ClientName  string
}

// Client is a connection to one bridge server. Calls are serialized: the
// protocol sequences commands per connection, so one in-flight call at a
// time is the contract.
type Client struct {
	mu         sync.Mutex
	endpoint   *transport.Endpoint
	conn       net.Conn
	opts       Options
	seq        uint32
	assignedID string
	ready      bool
}

func New(opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.MaxMessage == 0 {
		opts.MaxMessage = defaultMaxMessage
	}
	return &Client{opts: opts}
}

// Dial connects to addr over TCP.
func (c *Client) Dial(addr string) error {
	ep, err := transport.Dial("tcp", addr, c.opts.DialTimeout)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.endpoint = ep
	c.conn = ep.Conn()
	c.seq = 0
	c.ready = false
	c.mu.Unlock()
	return nil
}

// Handshake authenticates the connection with an opaque credential blob.
// The sequence counter starts at 0 here; all later commands continue it.
func (c *Client) Handshake(ctx context.Context, credentials []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	payload, err := proto.Marshal(proto.HandshakePayload{
		Credentials: credentials,
		ClientName:  c.opts.ClientName,
	})
	if err != nil {
		return err
	}

	h, resp, err := c.roundTripLocked(ctx, proto.TypeHandshake, 0, payload)
	if err != nil {
		return err
	}
	if h.Type != proto.TypeAck {
		var env proto.ResponseEnvelope
		if uerr := proto.Unmarshal(resp, &env); uerr == nil && env.Code != "" {
			return fmt.Errorf("%w: %s", ErrRemote, env.Code)
		}
		return fmt.Errorf("%w: unexpected reply %s", ErrRemote, h.Type)
	}

	var ack proto.AckPayload
	if err := proto.Unmarshal(resp, &ack); err != nil {
		return err
	}
	c.assignedID = ack.AssignedID
	c.seq = 1
	c.ready = true
	return nil
}

// AssignedID is the connection id the server granted during handshake.
func (c *Client) AssignedID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignedID
}

// Call sends one command to a service and waits for its response.
func (c *Client) Call(ctx context.Context, serviceID, commandID, flags uint32, data []byte) (*proto.ResponseEnvelope, error) {
	payload, err := proto.Marshal(proto.CommandEnvelope{
		Service: serviceID,
		ID:      commandID,
		Flags:   flags &^ service.FlagBatch,
		Data:    data,
	})
	if err != nil {
		return nil, err
	}
	return c.command(ctx, payload)
}

// CallBatch submits several commands in one frame and returns the server's
// acceptance counts alongside per-command results.
func (c *Client) CallBatch(ctx context.Context, serviceID uint32, commands []proto.CommandEnvelope) (*proto.BatchResult, error) {
	batch, err := proto.Marshal(proto.BatchEnvelope{Commands: commands})
	if err != nil {
		return nil, err
	}
	payload, err := proto.Marshal(proto.CommandEnvelope{
		Service: serviceID,
		Flags:   service.FlagBatch,
		Data:    batch,
	})
	if err != nil {
		return nil, err
	}

	env, err := c.command(ctx, payload)
	if err != nil && env == nil {
		return nil, err
	}
	if len(env.Data) == 0 {
		// An error envelope without counts (e.g. unknown service): the
		// server's code is in err, there is no result to decode.
		return nil, err
	}

	var result proto.BatchResult
	if uerr := proto.Unmarshal(env.Data, &result); uerr != nil {
		return nil, uerr
	}
	// A partial acceptance surfaces as queue_full with counts attached.
	return &result, err
}

func (c *Client) command(ctx context.Context, payload []byte) (*proto.ResponseEnvelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}
	if !c.ready {
		return nil, ErrNoHandshake
	}

	seq := c.seq
	c.seq++

	h, resp, err := c.roundTripLocked(ctx, proto.TypeCommand, seq, payload)
	if err != nil {
		return nil, err
	}
	if h.Type != proto.TypeResponse {
		return nil, fmt.Errorf("%w: unexpected reply %s", ErrRemote, h.Type)
	}

	var env proto.ResponseEnvelope
	if err := proto.Unmarshal(resp, &env); err != nil {
		return nil, err
	}
	if env.Status != proto.StatusOK {
		return &env, fmt.Errorf("%w: %s", ErrRemote, env.Code)
	}
	return &env, nil
}

func (c *Client) roundTripLocked(ctx context.Context, typ proto.MsgType, seq uint32, payload []byte) (proto.Header, []byte, error) {
	deadline := time.Now().Add(c.opts.CallTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	if err := proto.WriteFrame(c.conn, typ, seq, payload); err != nil {
		return proto.Header{}, nil, err
	}
	return proto.ReadFrame(c.conn, c.opts.MaxMessage)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = false
	if c.endpoint == nil {
		return nil
	}
	err := c.endpoint.Close()
	c.endpoint = nil
	c.conn = nil
	return err
}
