package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/calport/callbridge/service"
)

var (
	ErrNoHandler = errors.New("no handler registered for service")
	ErrHandler   = errors.New("handler failed")
	ErrTransform = errors.New("transform chain failed")
)

// Handler is the business logic behind a service, registered externally
// (the module loader that resolves implementations by namespace lives
// outside this core). The dispatcher treats it as an opaque capability.
type Handler interface {
	Invoke(ctx context.Context, serviceID uint32, cmd service.Command) ([]byte, error)
}

type HandlerFunc func(ctx context.Context, serviceID uint32, cmd service.Command) ([]byte, error)

func (f HandlerFunc) Invoke(ctx context.Context, serviceID uint32, cmd service.Command) ([]byte, error) {
	return f(ctx, serviceID, cmd)
}

// Transform is a pure step applied to a command before it reaches the
// handler. Transforms run in chain order; the first failure aborts the
// chain and the command is marked errored rather than silently dropped.
type Transform func(*service.Command) error

// Dispatcher drains service command queues through the transform chain
// into registered handlers.
type Dispatcher struct {
	reg *service.Registry

	mu         sync.RWMutex
	handlers   map[uint32]Handler
	fallback   Handler
	transforms []Transform
}

func NewDispatcher(reg *service.Registry) *Dispatcher {
	return &Dispatcher{
		reg:      reg,
		handlers: make(map[uint32]Handler),
	}
}

// RegisterHandler binds h to a service id. A later registration for the
// same id replaces the earlier one.
func (d *Dispatcher) RegisterHandler(serviceID uint32, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[serviceID] = h
}

// SetFallbackHandler handles commands for services without a dedicated
// handler.
func (d *Dispatcher) SetFallbackHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = h
}

// Use appends a transform to the chain.
func (d *Dispatcher) Use(t Transform) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transforms = append(d.transforms, t)
}

// Enqueue places one command on the target service's queue. A full queue
// is a backpressure error for the caller to surface, never a block.
func (d *Dispatcher) Enqueue(serviceID uint32, cmd service.Command) error {
	svc, err := d.reg.Lookup(serviceID)
	if err != nil {
		return err
	}
	if err := svc.Queue().Enqueue(cmd); err != nil {
		return err
	}
	svc.Touch(time.Now())
	return nil
}

// EnqueueBatch accepts commands until the queue fills and returns how many
// were taken.
func (d *Dispatcher) EnqueueBatch(serviceID uint32, cmds []service.Command) (int, error) {
	svc, err := d.reg.Lookup(serviceID)
	if err != nil {
		return 0, err
	}
	accepted := svc.Queue().EnqueueBatch(cmds)
	if accepted > 0 {
		svc.Touch(time.Now())
	}
	if accepted < len(cmds) {
		slog.Debug("Batch partially accepted", "service", serviceID,
			"accepted", accepted, "rejected", len(cmds)-accepted)
	}
	return accepted, nil
}

// Process runs the next queued command through the transform chain and the
// service's handler, in FIFO order. The command leaves the queue only
// after the operation finished; a transform failure marks it errored and
// removes it with an error so the caller can report it. Processing is
// serialized per service: concurrent connections targeting the same
// service each claim a distinct head command.
func (d *Dispatcher) Process(ctx context.Context, serviceID uint32) ([]byte, error) {
	svc, err := d.reg.Lookup(serviceID)
	if err != nil {
		return nil, err
	}

	svc.BeginProcessing()
	defer svc.EndProcessing()

	cmd, ok := svc.Queue().Head()
	if !ok {
		return nil, service.ErrQueueEmpty
	}

	d.mu.RLock()
	handler, okHandler := d.handlers[serviceID]
	if !okHandler {
		handler = d.fallback
	}
	transforms := d.transforms
	d.mu.RUnlock()

	for i, t := range transforms {
		if terr := t(&cmd); terr != nil {
			svc.Queue().MarkHead(service.FlagErrored)
			svc.Queue().Drop()
			svc.Touch(time.Now())
			return nil, fmt.Errorf("%w: step %d: %v", ErrTransform, i, terr)
		}
	}

	if handler == nil {
		svc.Queue().Drop()
		svc.Touch(time.Now())
		return nil, fmt.Errorf("%w: %d", ErrNoHandler, serviceID)
	}

	result, herr := handler.Invoke(ctx, serviceID, cmd)

	// The operation completed (even if it failed), so the command is done.
	svc.Queue().Drop()
	svc.Touch(time.Now())

	if herr != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandler, herr)
	}
	return result, nil
}

// Filter removes queued commands not satisfying pred and returns how many
// were dropped. This is the administrative bulk-mutation path. It waits
// for any in-flight command: filtering out a head that a processor has
// already claimed would make the final removal discard the wrong command.
func (d *Dispatcher) Filter(serviceID uint32, pred func(service.Command) bool) (int, error) {
	svc, err := d.reg.Lookup(serviceID)
	if err != nil {
		return 0, err
	}
	svc.BeginProcessing()
	defer svc.EndProcessing()
	removed := svc.Queue().Filter(pred)
	svc.Touch(time.Now())
	return removed, nil
}
