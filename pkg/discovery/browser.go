package discovery

import (
	"context"
)

// Browser provides mDNS service browsing.
type Browser interface {
	// Browse searches for Proper servers. The channel is closed when the
	// context is done.
	Browse(ctx context.Context) (<-chan *ServerService, error)

	// FindServer searches for the server of one network, matched by the
	// master secret fingerprint. Returns when found or when the context
	// is done.
	FindServer(ctx context.Context, fingerprint string) (*ServerService, error)
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// Interface restricts browsing to one network interface by name.
	// Empty means all interfaces.
	Interface string
}
