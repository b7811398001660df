package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/calport/callbridge/config"
	"github.com/calport/callbridge/dispatch"
	"github.com/calport/callbridge/protocol"
	"github.com/calport/callbridge/server"
	"github.com/calport/callbridge/service"
	"github.com/calport/callbridge/transport"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	listen := flag.String("listen", "", "override the TCP listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Error loading configuration", "error", err.Error())
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	// Demonstration handlers. Real deployments register the handlers their
	// module loader resolved at startup.
	handlers := map[string]dispatch.Handler{
		"echo": dispatch.HandlerFunc(func(ctx context.Context, serviceID uint32, cmd service.Command) ([]byte, error) {
			return cmd.Payload, nil
		}),
		"reverse": dispatch.HandlerFunc(func(ctx context.Context, serviceID uint32, cmd service.Command) ([]byte, error) {
			out := make([]byte, len(cmd.Payload))
			for i, b := range cmd.Payload {
				out[len(out)-1-i] = b
			}
			return out, nil
		}),
	}

	auth := protocol.AllowAll()
	if token := os.Getenv("CALLBRIDGE_TOKEN"); token != "" {
		secret := []byte(token)
		auth = protocol.AuthenticatorFunc(func(ctx context.Context, credentials []byte) error {
			if !bytes.Equal(credentials, secret) {
				return fmt.Errorf("credentials do not match")
			}
			return nil
		})
	}

	bridge, err := server.NewBridgeServer(server.Options{
		Config:        cfg,
		Authenticator: auth,
		Handlers:      handlers,
	})
	if err != nil {
		slog.Error("Error building server", "error", err.Error())
		os.Exit(1)
	}

	limiter := transport.NewConnLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.RateLimit.IdleTTL)

	tcpServer := transport.NewTCPTransport(cfg.Listen, cfg.MaxMessageSize)
	tcpServer.SetName("Main TCP listener")
	tcpServer.SetDescription("Primary framed-protocol endpoint for language bindings")
	tcpServer.SetMaxClients(cfg.MaxClients)
	tcpServer.SetLimiter(limiter)
	tcpServer.SetTimeouts(cfg.AcceptTimeout, cfg.ReadTimeout, cfg.WriteTimeout)
	bridge.RegisterTransport(tcpServer)

	if cfg.WSListen != "" {
		wsServer := transport.NewWSTransport(cfg.WSListen, cfg.MaxMessageSize)
		wsServer.SetName("WebSocket gateway")
		wsServer.SetDescription("Framed protocol over WebSocket for browser-hosted bindings")
		wsServer.SetMaxClients(cfg.MaxClients)
		wsServer.SetLimiter(limiter)
		bridge.RegisterTransport(wsServer)
	}

	if err := bridge.Start(); err != nil {
		slog.Error("Error running bridge server", "error", err.Error())
		os.Exit(1)
	}
}
