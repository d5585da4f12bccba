package backend

import (
	"fmt"

	"scanlink/config"
)

// Create creates a Backend for the given configuration.
// Nothing is connected until Init is called on the returned backend.
func Create(cfg *config.BackendConfig) (Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	switch cfg.GetKind() {
	case config.BackendTest:
		return NewTestAdapter(cfg), nil
	case config.BackendNet:
		return NewNetAdapter(cfg)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}
