package service

import (
	"context"
	"log/slog"
	"time"
)

// Reclaimer periodically evicts services that sat idle past the threshold
// with an empty queue. A non-empty queue is evidence of pending work, not
// idleness, so those services survive regardless of age.
type Reclaimer struct {
	reg      *Registry
	interval time.Duration
	idle     time.Duration

	// OnEvict, if set, is called once per reclaimed service.
	OnEvict func(id uint32)
}

func NewReclaimer(reg *Registry, interval, idleThreshold time.Duration) *Reclaimer {
	return &Reclaimer{
		reg:      reg,
		interval: interval,
		idle:     idleThreshold,
	}
}

// Run scans on a fixed interval until ctx is cancelled.
func (rc *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	slog.Info("Reclaimer started", "interval", rc.interval, "idle_threshold", rc.idle)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Reclaimer stopped")
			return
		case now := <-ticker.C:
			evicted := rc.Sweep(now)
			if evicted > 0 {
				slog.Info("Reclaimed idle services", "count", evicted)
			}
		}
	}
}

// Sweep runs one reclamation pass at the given time and returns how many
// services were evicted. The scan timestamp is recorded whether or not
// anything was reclaimed. The idle check and the slot release are one
// registry operation, so a command enqueued mid-sweep is never discarded
// with the slot.
func (rc *Reclaimer) Sweep(now time.Time) int {
	evicted := 0
	for _, id := range rc.reg.ActiveIDs() {
		if !rc.reg.DestroyIdle(id, now, rc.idle) {
			continue
		}
		slog.Debug("Evicted idle service", "id", id)
		if rc.OnEvict != nil {
			rc.OnEvict(id)
		}
		evicted++
	}
	rc.reg.markGC(now)
	return evicted
}
