package client

import (
	"fmt"
	"time"

	"github.com/hashicorp/mdns"
)

// DiscoveredServer represents a bridge server found on the local network.
type DiscoveredServer struct {
	Name       string
	Address    string
	Port       int
	TXTRecords []string
}

// Discover finds a callbridge server advertised via mDNS.
func Discover(timeout time.Duration) (*DiscoveredServer, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)

	go func() {
		defer close(entriesCh)
		mdns.Lookup("_callbridge._tcp", entriesCh)
	}()

	select {
	case entry := <-entriesCh:
		if entry == nil {
			return nil, fmt.Errorf("no callbridge server found")
		}

		var address string
		if entry.AddrV4 != nil {
			address = entry.AddrV4.String()
		} else if entry.AddrV6 != nil {
			address = fmt.Sprintf("[%s]", entry.AddrV6.String())
		} else {
			return nil, fmt.Errorf("no valid address found for server")
		}

		return &DiscoveredServer{
			Name:       entry.Name,
			Address:    address,
			Port:       entry.Port,
			TXTRecords: entry.InfoFields,
		}, nil

	case <-time.After(timeout):
		return nil, fmt.Errorf("discovery timed out after %s", timeout)
	}
}

// Addr formats the discovered endpoint as host:port.
func (d *DiscoveredServer) Addr() string {
	return fmt.Sprintf("%s:%d", d.Address, d.Port)
}
