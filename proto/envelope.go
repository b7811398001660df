package proto

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Payload envelopes are msgpack-encoded. The frame header stays fixed-size
// binary; everything behind it is schema-tagged so bindings in other
// languages can evolve their payloads independently.

// HandshakePayload opens a connection. Credentials are an opaque blob the
// engine forwards to the configured authenticator without interpreting.
type HandshakePayload struct {
	Credentials []byte `msgpack:"credentials"`
	ClientName  string `msgpack:"client_name,omitempty"`
}

// AckPayload answers a successful handshake.
type AckPayload struct {
	AssignedID string `msgpack:"assigned_id"`
	Status     string `msgpack:"status"`
}

// CommandEnvelope carries one command for a target service.
type CommandEnvelope struct {
	Service uint32 `msgpack:"service"`
	ID      uint32 `msgpack:"id"`
	Flags   uint32 `msgpack:"flags"`
	Data    []byte `msgpack:"data"`
}

// BatchEnvelope carries several commands submitted in one COMMAND frame.
// It is the Data of a CommandEnvelope whose flags include the batch flag;
// the outer envelope's Service field routes the whole batch.
type BatchEnvelope struct {
	Commands []CommandEnvelope `msgpack:"commands"`
}

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Error codes carried in ResponseEnvelope.Code.
const (
	CodeBadVersion      = "bad_version"
	CodeBadType         = "bad_type"
	CodeBadSequence     = "bad_sequence"
	CodeMalformed       = "malformed"
	CodeOversized       = "payload_too_large"
	CodeAuthRejected    = "auth_rejected"
	CodeNotFound        = "not_found"
	CodeQueueFull       = "queue_full"
	CodeHandlerError    = "handler_error"
	CodeTransformError  = "transform_error"
	CodeEmptyQueue      = "empty_queue"
	CodeUnexpectedState = "unexpected_state"
)

// ResponseEnvelope answers a COMMAND frame. Status is "ok" or "error";
// Code is set only on errors.
type ResponseEnvelope struct {
	Status string `msgpack:"status"`
	Code   string `msgpack:"code,omitempty"`
	Data   []byte `msgpack:"data,omitempty"`
}

// BatchResult is the Data of a response to a batch submission.
type BatchResult struct {
	Accepted uint32   `msgpack:"accepted"`
	Rejected uint32   `msgpack:"rejected"`
	Results  [][]byte `msgpack:"results,omitempty"`
}

// Marshal encodes an envelope value.
func Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes an envelope value.
func Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
