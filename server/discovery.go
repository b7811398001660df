package server

import (
	"log/slog"
	"os"

	"github.com/hashicorp/mdns"
)

const mdnsServiceType = "_callbridge._tcp"

// advertise registers the TCP endpoint via mDNS so bindings on the local
// network can find the bridge without configuration. The returned function
// withdraws the advertisement.
func advertise(instance string, port int) (func(), error) {
	host, err := os.Hostname()
	if err != nil {
		host = "callbridge"
	}

	zone, err := mdns.NewMDNSService(instance, mdnsServiceType, "", "", port, nil,
		[]string{"callbridge dispatch core"})
	if err != nil {
		return nil, err
	}

	srv, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return nil, err
	}

	slog.Info("Advertising via mDNS", "instance", instance, "type", mdnsServiceType, "host", host, "port", port)
	return func() {
		srv.Shutdown()
	}, nil
}
