package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/calport/callbridge/config"
	"github.com/calport/callbridge/dispatch"
	"github.com/calport/callbridge/metric"
	"github.com/calport/callbridge/proto"
	"github.com/calport/callbridge/protocol"
	"github.com/calport/callbridge/service"
	"github.com/calport/callbridge/transport"
)

// Coordinator wires transports to per-connection protocol sessions and owns
// the registry, dispatcher and reclaimer lifecycles.
type Coordinator struct {
	cfg        config.Config
	Registry   *service.Registry
	Dispatcher *dispatch.Dispatcher
	Reclaimer  *service.Reclaimer
	Metrics    *metric.Metrics
	Auth       protocol.Authenticator
	Transports []transport.Transport

	smu      sync.RWMutex
	sessions map[string]*protocol.Session
	usage    map[string]map[uint32]struct{} // conn id -> services it touched

	admin   *http.Server
	mcp     *MCPServer
	started time.Time

	runCtx context.Context
}

func NewCoordinator(cfg config.Config, reg *service.Registry, disp *dispatch.Dispatcher, auth protocol.Authenticator, metrics *metric.Metrics) *Coordinator {
	c := &Coordinator{
		cfg:        cfg,
		Registry:   reg,
		Dispatcher: disp,
		Metrics:    metrics,
		Auth:       auth,
		sessions:   make(map[string]*protocol.Session),
		usage:      make(map[string]map[uint32]struct{}),
		runCtx:     context.Background(),
	}
	c.Reclaimer = service.NewReclaimer(reg, cfg.GCInterval, cfg.IdleThreshold)
	c.Reclaimer.OnEvict = func(id uint32) {
		metrics.ServicesReclaimed.Inc()
		metrics.QueueDepth.DeleteLabelValues(strconv.FormatUint(uint64(id), 10))
	}
	return c
}

func (c *Coordinator) RegisterTransport(t transport.Transport) {
	t.OnFrame(c.handleFrame)
	t.OnConnect(c.handleConnect)
	t.OnDisconnect(c.handleDisconnect)
	c.Transports = append(c.Transports, t)
}

func (c *Coordinator) handleConnect(conn transport.Conn) error {
	sess := protocol.NewSession(conn, c.Auth, c.Dispatcher, c.cfg.MaxMessageSize)
	sess.OnReject = func(code string) {
		c.Metrics.CommandsRejected.WithLabelValues(code).Inc()
	}
	sess.OnServiceUsed = func(serviceID uint32) {
		if svc, err := c.Registry.Lookup(serviceID); err == nil {
			svc.AttachEndpoint(conn.ID())
		}
		c.smu.Lock()
		if c.usage[conn.ID()] == nil {
			c.usage[conn.ID()] = make(map[uint32]struct{})
		}
		c.usage[conn.ID()][serviceID] = struct{}{}
		c.smu.Unlock()
	}

	c.smu.Lock()
	c.sessions[conn.ID()] = sess
	c.smu.Unlock()

	c.Metrics.ConnectionsTotal.Inc()
	c.Metrics.ConnectionsActive.Inc()
	slog.Info("Session opened", "conn", conn.ID(), "remote", conn.RemoteAddr())
	return nil
}

func (c *Coordinator) handleFrame(conn transport.Conn, h proto.Header, payload []byte) {
	c.smu.RLock()
	sess, ok := c.sessions[conn.ID()]
	c.smu.RUnlock()
	if !ok {
		slog.Warn("Frame for unknown session", "conn", conn.ID())
		conn.Close()
		return
	}

	c.Metrics.MessagesReceived.WithLabelValues(h.Type.String()).Inc()

	if err := sess.HandleFrame(c.runCtx, h, payload); err != nil {
		if errors.Is(err, protocol.ErrProtocol) {
			c.Metrics.ProtocolErrors.Inc()
		}
		slog.Debug("Session terminated by protocol error", "conn", conn.ID(), "error", err.Error())
	}
}

func (c *Coordinator) handleDisconnect(conn transport.Conn) {
	c.smu.Lock()
	sess, ok := c.sessions[conn.ID()]
	delete(c.sessions, conn.ID())
	used := c.usage[conn.ID()]
	delete(c.usage, conn.ID())
	c.smu.Unlock()

	for serviceID := range used {
		if svc, err := c.Registry.Lookup(serviceID); err == nil {
			svc.DetachEndpoint(conn.ID())
		}
	}

	if ok {
		sess.Close()
		c.Metrics.ConnectionsActive.Dec()
	}
}

// SessionCount reports currently tracked sessions.
func (c *Coordinator) SessionCount() int {
	c.smu.RLock()
	defer c.smu.RUnlock()
	return len(c.sessions)
}

// Run starts everything and blocks until ctx is cancelled, then shuts the
// pieces down in reverse order.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runCtx = ctx
	c.started = time.Now()

	for _, t := range c.Transports {
		go func(t transport.Transport) {
			if err := t.Start(); err != nil {
				slog.Error("Transport exited with error", "protocol", t.Meta().Protocol, "error", err.Error())
			}
		}(t)
	}

	go c.Reclaimer.Run(ctx)
	go c.refreshGauges(ctx)

	if c.cfg.AdminListen != "" {
		c.admin = c.newAdminServer()
		go func() {
			slog.Info("Starting admin listener", "addr", c.cfg.AdminListen)
			if err := c.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Admin listener exited with error", "error", err.Error())
			}
		}()
	}

	var mdnsShutdown func()
	if c.cfg.EnableMDNS {
		if port := listenPort(c.cfg.Listen); port > 0 {
			shutdown, err := advertise(c.cfg.Instance, port)
			if err != nil {
				slog.Warn("Failed to advertise via mDNS", "error", err.Error())
			} else {
				mdnsShutdown = shutdown
			}
		}
	}

	if c.cfg.EnableMCP {
		c.mcp = NewMCPServer(c)
		go func() {
			if err := c.mcp.Start(); err != nil {
				slog.Error("MCP server exited with error", "error", err.Error())
			}
		}()
	}

	<-ctx.Done()
	slog.Info("Shutting down transports and server")

	if mdnsShutdown != nil {
		mdnsShutdown()
	}
	if c.admin != nil {
		c.admin.Close()
	}
	for _, t := range c.Transports {
		if err := t.Shutdown(); err != nil {
			slog.Error("There was an error when shutting down a transport", "error", err.Error())
		}
	}
	return nil
}

// refreshGauges keeps the registry-level gauges current without threading
// the metrics object through every enqueue path.
func (c *Coordinator) refreshGauges(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Metrics.ServicesActive.Set(float64(c.Registry.ActiveCount()))
			for _, info := range c.Registry.Snapshot() {
				c.Metrics.QueueDepth.
					WithLabelValues(strconv.FormatUint(uint64(info.ID), 10)).
					Set(float64(info.QueueLen))
			}
		}
	}
}

func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
