package service

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"
)

// MaxSlots bounds the registry arena; the active bitmask is a single
// uint64.
const MaxSlots = 64

var (
	ErrDuplicateID  = errors.New("service id already registered")
	ErrRegistryFull = errors.New("service registry full")
	ErrNotFound     = errors.New("service not found")
)

// Lifecycle states a service moves through. UpdateState accepts arbitrary
// values; these are the ones the core itself uses.
const (
	StateCreated uint32 = iota
	StateActive
	StateDraining
)

// Service is one registry slot. The registry hands out pointers into its
// arena; a pointer stays valid until Destroy releases the slot.
type Service struct {
	mu         sync.Mutex
	proc       sync.Mutex
	id         uint32
	flags      uint32
	state      uint32
	lastUpdate time.Time
	endpoints  map[string]struct{}
	queue      *CommandQueue
}

func (s *Service) ID() uint32 {
	return s.id
}

func (s *Service) Queue() *CommandQueue {
	return s.queue
}

func (s *Service) Flags() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

func (s *Service) State() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

// BeginProcessing claims exclusive command processing for this service.
// The claim must span head read, handler invocation and removal: two
// processors observing the same head would run the command twice and the
// second removal would discard a command that never ran.
func (s *Service) BeginProcessing() {
	s.proc.Lock()
}

func (s *Service) EndProcessing() {
	s.proc.Unlock()
}

// Touch refreshes the liveness timestamp; the reclaimer judges idleness
// against it.
func (s *Service) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUpdate = now
}

// AttachEndpoint records a connection currently using this service.
func (s *Service) AttachEndpoint(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[id] = struct{}{}
}

func (s *Service) DetachEndpoint(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, id)
}

func (s *Service) EndpointCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.endpoints)
}

// Info is a point-in-time snapshot of a slot for introspection surfaces.
type Info struct {
	ID         uint32    `json:"id"`
	Flags      uint32    `json:"flags"`
	State      uint32    `json:"state"`
	LastUpdate time.Time `json:"last_update"`
	QueueLen   int       `json:"queue_len"`
	QueueCap   int       `json:"queue_cap"`
	Endpoints  int       `json:"endpoints"`
}

// Registry is a fixed-capacity arena of service slots with a bitmask of
// which slots are live. The registry lock guards only the structure (mask
// and slot identity); each slot's queue carries its own lock, so traffic on
// one service never blocks creation or destruction of another.
type Registry struct {
	mu         sync.RWMutex
	slots      [MaxSlots]*Service
	mask       uint64
	capacity   int
	queueCap   int
	maxPayload int
	lastGC     time.Time
}

func NewRegistry(capacity, queueCap, maxPayload int) (*Registry, error) {
	if capacity <= 0 || capacity > MaxSlots {
		return nil, fmt.Errorf("registry capacity must be in 1..%d, got %d", MaxSlots, capacity)
	}
	if queueCap <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", queueCap)
	}
	return &Registry{
		capacity:   capacity,
		queueCap:   queueCap,
		maxPayload: maxPayload,
	}, nil
}

func (r *Registry) Capacity() int {
	return r.capacity
}

// Create registers a new service under id. The slot is the lowest clear
// bit in the active mask.
func (r *Registry) Create(id, flags uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findLocked(id) >= 0 {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	slot := bits.TrailingZeros64(^r.mask)
	if slot >= r.capacity {
		return fmt.Errorf("%w: capacity %d", ErrRegistryFull, r.capacity)
	}

	r.slots[slot] = &Service{
		id:         id,
		flags:      flags,
		state:      StateCreated,
		lastUpdate: time.Now(),
		endpoints:  make(map[string]struct{}),
		queue:      NewCommandQueue(r.queueCap, r.maxPayload),
	}
	r.mask |= 1 << slot
	return nil
}

// Destroy releases the slot holding id. Commands still queued are
// discarded; callers that care about delivery must drain first.
func (r *Registry) Destroy(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.findLocked(id)
	if slot < 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	r.slots[slot] = nil
	r.mask &^= 1 << slot
	return nil
}

// DestroyIdle releases the slot holding id only if its queue is empty and
// it has been idle past the threshold at now. Check and release happen
// under the structural lock, so a command enqueued after an earlier idle
// observation keeps the service alive.
func (r *Registry) DestroyIdle(id uint32, now time.Time, idle time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.findLocked(id)
	if slot < 0 {
		return false
	}
	svc := r.slots[slot]
	if svc.queue.Len() > 0 {
		return false
	}
	if now.Sub(svc.LastUpdate()) <= idle {
		return false
	}
	r.slots[slot] = nil
	r.mask &^= 1 << slot
	return true
}

func (r *Registry) Lookup(id uint32) (*Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slot := r.findLocked(id)
	if slot < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return r.slots[slot], nil
}

// UpdateState sets the lifecycle state and refreshes the liveness
// timestamp as a side effect.
func (r *Registry) UpdateState(id, state uint32) error {
	svc, err := r.Lookup(id)
	if err != nil {
		return err
	}
	svc.mu.Lock()
	svc.state = state
	svc.lastUpdate = time.Now()
	svc.mu.Unlock()
	return nil
}

// ActiveCount is the population count of the active mask.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return bits.OnesCount64(r.mask)
}

// ActiveIDs returns the ids of all live services in slot order.
func (r *Registry) ActiveIDs() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint32, 0, bits.OnesCount64(r.mask))
	for slot := 0; slot < r.capacity; slot++ {
		if r.mask&(1<<slot) != 0 {
			ids = append(ids, r.slots[slot].id)
		}
	}
	return ids
}

// Snapshot returns introspection info for every live slot.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, bits.OnesCount64(r.mask))
	for slot := 0; slot < r.capacity; slot++ {
		if r.mask&(1<<slot) == 0 {
			continue
		}
		svc := r.slots[slot]
		svc.mu.Lock()
		info := Info{
			ID:         svc.id,
			Flags:      svc.flags,
			State:      svc.state,
			LastUpdate: svc.lastUpdate,
			Endpoints:  len(svc.endpoints),
		}
		svc.mu.Unlock()
		info.QueueLen = svc.queue.Len()
		info.QueueCap = svc.queue.Cap()
		infos = append(infos, info)
	}
	return infos
}

// LastGC reports when the reclaimer last scanned the registry.
func (r *Registry) LastGC() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastGC
}

func (r *Registry) markGC(t time.Time) {
	r.mu.Lock()
	r.lastGC = t
	r.mu.Unlock()
}

func (r *Registry) findLocked(id uint32) int {
	for slot := 0; slot < r.capacity; slot++ {
		if r.mask&(1<<slot) != 0 && r.slots[slot].id == id {
			return slot
		}
	}
	return -1
}
