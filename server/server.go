package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calport/callbridge/config"
	"github.com/calport/callbridge/dispatch"
	"github.com/calport/callbridge/metric"
	"github.com/calport/callbridge/protocol"
	"github.com/calport/callbridge/service"
	"github.com/calport/callbridge/transport"
)

type Options struct {
	Config        config.Config          // Required (validate before passing)
	Authenticator protocol.Authenticator // Optional (defaults to AllowAll)
	Metrics       *metric.Metrics        // Optional (defaults to a fresh registry)
	Handlers      map[string]dispatch.Handler
	Context       context.Context // Optional (defaults to context.Background())
}

// BridgeServer assembles the dispatch core: registry, dispatcher,
// reclaimer, transports and the protocol engine behind them.
type BridgeServer struct {
	options     Options
	coordinator *Coordinator
}

func NewBridgeServer(opts Options) (*BridgeServer, error) {
	if opts.Authenticator == nil {
		opts.Authenticator = protocol.AllowAll()
	}
	if opts.Metrics == nil {
		opts.Metrics = metric.NewMetrics()
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}

	cfg := opts.Config
	registry, err := service.NewRegistry(cfg.RegistryCapacity, cfg.QueueCapacity, cfg.MaxCommandPayload)
	if err != nil {
		// The registry is the one structure the system cannot run
		// without; failing to build it is fatal by design.
		return nil, fmt.Errorf("create registry: %w", err)
	}

	dispatcher := dispatch.NewDispatcher(registry)

	for _, sc := range cfg.Services {
		if err := registry.Create(sc.ID, sc.Flags); err != nil {
			return nil, fmt.Errorf("create configured service %d: %w", sc.ID, err)
		}
		if sc.Handler == "" {
			continue
		}
		h, ok := opts.Handlers[sc.Handler]
		if !ok {
			return nil, fmt.Errorf("service %d references unknown handler %q", sc.ID, sc.Handler)
		}
		dispatcher.RegisterHandler(sc.ID, timedHandler(opts.Metrics, h))
	}

	coordinator := NewCoordinator(cfg, registry, dispatcher, opts.Authenticator, opts.Metrics)

	return &BridgeServer{
		options:     opts,
		coordinator: coordinator,
	}, nil
}

func (s *BridgeServer) RegisterTransport(t transport.Transport) {
	s.coordinator.RegisterTransport(t)
}

func (s *BridgeServer) Coordinator() *Coordinator {
	return s.coordinator
}

func (s *BridgeServer) Dispatcher() *dispatch.Dispatcher {
	return s.coordinator.Dispatcher
}

func (s *BridgeServer) Registry() *service.Registry {
	return s.coordinator.Registry
}

// timedHandler wraps a handler so every invocation lands in the duration
// histogram, including failed ones.
func timedHandler(m *metric.Metrics, h dispatch.Handler) dispatch.Handler {
	return dispatch.HandlerFunc(func(ctx context.Context, serviceID uint32, cmd service.Command) ([]byte, error) {
		start := time.Now()
		out, err := h.Invoke(ctx, serviceID, cmd)
		m.HandlerDuration.Observe(time.Since(start).Seconds())
		return out, err
	})
}

func setupLogger() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	slog.SetDefault(slog.New(handler))
}

// Start runs the server until SIGINT/SIGTERM or the options context ends.
func (s *BridgeServer) Start() error {
	setupLogger()
	ctx, stop := signal.NotifyContext(s.options.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.coordinator.Start(ctx)
}
