package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/calport/callbridge/client"
)

func main() {
	addr := flag.String("addr", "", "server address (host:port); empty uses mDNS discovery")
	serviceID := flag.Uint("service", 1, "target service id")
	token := flag.String("token", "", "credential token for the handshake")
	message := flag.String("message", "hello from the go binding", "command payload to send")
	flag.Parse()

	target := *addr
	if target == "" {
		discovered, err := client.Discover(5 * time.Second)
		if err != nil {
			slog.Error("Discovery failed", "error", err.Error())
			os.Exit(1)
		}
		target = discovered.Addr()
		slog.Info("Discovered server", "name", discovered.Name, "addr", target)
	}

	c := client.New(client.Options{ClientName: "cmd-client"})
	if err := c.Dial(target); err != nil {
		slog.Error("Dial failed", "addr", target, "error", err.Error())
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.Handshake(ctx, []byte(*token)); err != nil {
		slog.Error("Handshake failed", "error", err.Error())
		os.Exit(1)
	}
	slog.Info("Handshake accepted", "assigned_id", c.AssignedID())

	resp, err := c.Call(ctx, uint32(*serviceID), 1, 0, []byte(*message))
	if err != nil {
		slog.Error("Call failed", "error", err.Error())
		os.Exit(1)
	}
	fmt.Printf("response: %s\n", string(resp.Data))
}
