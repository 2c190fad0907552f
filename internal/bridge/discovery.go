package bridge

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Discoverer finds native devices and hands each one to found.
type Discoverer interface {
	Discover(ctx context.Context, found func(Native)) error
}

// DiscovererFunc adapts a function to Discoverer.
type DiscovererFunc func(ctx context.Context, found func(Native)) error

func (f DiscovererFunc) Discover(ctx context.Context, found func(Native)) error {
	return f(ctx, found)
}

// LocalDiscoverer reports the host machine as exactly one runner device.
type LocalDiscoverer struct {
	// HostID returns a stable id for this machine. Defaults to a name-based
	// UUID of the hostname.
	HostID func(ctx context.Context) (string, error)

	// Name is the display name of the device; empty leaves it unset.
	Name string
}

func (d LocalDiscoverer) Discover(ctx context.Context, found func(Native)) error {
	hostID := d.HostID
	if hostID == nil {
		hostID = hostnameID
	}
	id, err := hostID(ctx)
	if err != nil {
		return fmt.Errorf("resolve host id: %w", err)
	}
	found(Native{
		VendorType: VendorRunner,
		UUID:       id,
		Name:       d.Name,
	})
	return nil
}

// StreamDiscoverer reports natives as they arrive on a channel, until the
// channel is closed or ctx is cancelled.
type StreamDiscoverer struct {
	Natives <-chan Native
}

func (d StreamDiscoverer) Discover(ctx context.Context, found func(Native)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-d.Natives:
			if !ok {
				return nil
			}
			found(n)
		}
	}
}

func hostnameID(_ context.Context) (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", err
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(name)).String(), nil
}
