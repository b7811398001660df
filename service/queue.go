package service

import (
	"errors"
	"sync"
)

var (
	ErrQueueFull       = errors.New("command queue full")
	ErrQueueEmpty      = errors.New("command queue empty")
	ErrPayloadTooLarge = errors.New("command payload exceeds buffer capacity")
)

// Command flags. The low nibble mirrors the wire-level command flags;
// FlagErrored is set locally when a transform chain fails.
const (
	FlagEncrypted  uint32 = 0x01
	FlagCompressed uint32 = 0x02
	FlagUrgent     uint32 = 0x04
	FlagReliable   uint32 = 0x08
	FlagBatch      uint32 = 0x10
	FlagErrored    uint32 = 1 << 31
)

type Command struct {
	ID      uint32
	Flags   uint32
	Payload []byte
}

// CommandQueue is a bounded FIFO of commands backed by a fixed ring, so the
// steady state allocates nothing. Enqueue on a full queue fails instead of
// blocking; that is the backpressure signal.
type CommandQueue struct {
	mu         sync.Mutex
	items      []Command
	head       int
	count      int
	maxPayload int
}

func NewCommandQueue(capacity, maxPayload int) *CommandQueue {
	return &CommandQueue{
		items:      make([]Command, capacity),
		maxPayload: maxPayload,
	}
}

func (q *CommandQueue) Cap() int {
	return len(q.items)
}

func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Enqueue appends cmd, rejecting oversized payloads and full queues.
func (q *CommandQueue) Enqueue(cmd Command) error {
	if len(cmd.Payload) > q.maxPayload {
		return ErrPayloadTooLarge
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(cmd)
}

func (q *CommandQueue) enqueueLocked(cmd Command) error {
	if q.count == len(q.items) {
		return ErrQueueFull
	}
	q.items[(q.head+q.count)%len(q.items)] = cmd
	q.count++
	return nil
}

// EnqueueBatch accepts commands until the queue is full and returns how
// many were taken, so the caller can report the remainder as rejected.
// Oversized commands are skipped without consuming capacity.
func (q *CommandQueue) EnqueueBatch(cmds []Command) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	accepted := 0
	for _, cmd := range cmds {
		if len(cmd.Payload) > q.maxPayload {
			continue
		}
		if err := q.enqueueLocked(cmd); err != nil {
			break
		}
		accepted++
	}
	return accepted
}

// Head returns the oldest command without removing it. The dispatcher
// removes a command only after its operation completed, so a crash
// mid-handler re-processes instead of losing work.
func (q *CommandQueue) Head() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return Command{}, false
	}
	return q.items[q.head], true
}

// MarkHead overwrites the oldest command in place, used to flag a command
// as errored without losing it.
func (q *CommandQueue) MarkHead(flags uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return false
	}
	q.items[q.head].Flags |= flags
	return true
}

// Drop removes the oldest command.
func (q *CommandQueue) Drop() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return false
	}
	q.items[q.head] = Command{}
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return true
}

// Filter keeps only commands satisfying pred and returns how many were
// removed. The whole pass runs under the queue lock so no reader observes
// a half-filtered queue.
func (q *CommandQueue) Filter(pred func(Command) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := 0
	removed := 0
	for i := 0; i < q.count; i++ {
		cmd := q.items[(q.head+i)%len(q.items)]
		if pred(cmd) {
			q.items[(q.head+kept)%len(q.items)] = cmd
			kept++
		} else {
			removed++
		}
	}
	for i := kept; i < q.count; i++ {
		q.items[(q.head+i)%len(q.items)] = Command{}
	}
	q.count = kept
	return removed
}
