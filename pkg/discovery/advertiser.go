package discovery

import (
	"context"
	"time"
)

// Advertiser provides mDNS service advertising.
type Advertiser interface {
	// Advertise starts advertising the server. Advertising again replaces
	// the previous announcement.
	Advertise(ctx context.Context, info *ServerInfo) error

	// Update replaces the TXT records of the running announcement.
	Update(info *ServerInfo) error

	// Stop withdraws the announcement.
	Stop()
}

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface restricts advertising to one network interface by name.
	// Empty means all interfaces.
	Interface string

	// TTL overrides the record time-to-live. Zero keeps the zeroconf
	// default.
	TTL time.Duration
}
