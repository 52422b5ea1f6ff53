// Package discovery advertises this device and browses for peers over
// mDNS/DNS-SD, the zero-configuration mechanism spec.md assumes for peer
// discovery on the local network.
package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/brutella/dnssd"

	"github.com/da-penguin-guy/Virgil/internal/logging"
)

// ServiceType is the DNS-SD service type every Virgil node advertises and
// browses for.
const ServiceType = "_virgil._tcp"

// Peer is one discovered device: a name and the host/port to dial.
type Peer struct {
	Name string
	Host string
	Port int
}

// Provider is the discovery seam a Node depends on, so tests can substitute
// a fake without touching the network.
type Provider interface {
	// Advertise announces selfName on port, publishing model and deviceType
	// as TXT properties so a browser can identify a peer before dialing it,
	// and blocks until ctx is cancelled.
	Advertise(ctx context.Context, selfName string, port int, model, deviceType string) error
	// Browse watches for peers appearing and disappearing, invoking found
	// and lost as they are observed, until ctx is cancelled.
	Browse(ctx context.Context, found func(Peer), lost func(name string)) error
}

// MDNS is the production Provider, backed by github.com/brutella/dnssd.
type MDNS struct{}

func (MDNS) Advertise(ctx context.Context, selfName string, port int, model, deviceType string) error {
	cfg := dnssd.Config{
		Name: selfName,
		Type: ServiceType,
		Port: port,
		Text: map[string]string{
			"model":      model,
			"deviceType": deviceType,
		},
	}
	service, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("create mdns service: %w", err)
	}

	responder, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("create mdns responder: %w", err)
	}
	if _, err := responder.Add(service); err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}

	logging.Scoped("discovery").With("name", selfName, "port", port).Info("advertising over mdns")
	return responder.Respond(ctx)
}

func (m MDNS) Browse(ctx context.Context, found func(Peer), lost func(name string)) error {
	add := func(e dnssd.BrowseEntry) {
		if peer, ok := entryToPeer(e); ok {
			found(peer)
		}
	}
	rmv := func(e dnssd.BrowseEntry) {
		lost(entryName(e))
	}

	logging.Scoped("discovery").Info("browsing for peers", "service", ServiceType)
	return dnssd.LookupType(ctx, ServiceType, add, rmv)
}

// entryName strips the DNS-SD service/domain suffix off a browse entry's
// instance name to recover the bare peer name used as transmittingDevice.
func entryName(e dnssd.BrowseEntry) string {
	return strings.TrimSuffix(e.Name, "."+ServiceType+".local.")
}

// entryToPeer converts a browse entry into a dialable Peer, rejecting
// entries with no resolved address yet.
func entryToPeer(e dnssd.BrowseEntry) (Peer, bool) {
	if len(e.IPs) == 0 {
		return Peer{}, false
	}
	return Peer{Name: entryName(e), Host: e.IPs[0].String(), Port: e.Port}, true
}
