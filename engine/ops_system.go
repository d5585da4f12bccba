package engine

import (
	"fmt"
	"strings"

	"scanlink/config"
)

// mutate applies fn to the config under its lock and saves it.
func (e *Engine) mutate(fn func(c *config.Config)) error {
	e.cfg.Lock()
	fn(e.cfg)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	return nil
}

// SetNamespace updates the namespace in config and saves. Running sinks keep
// their topics until they are restarted.
func (e *Engine) SetNamespace(ns string) error {
	ns = strings.TrimSpace(ns)
	if ns == "" {
		return fmt.Errorf("%w: namespace is required", ErrInvalidInput)
	}
	if err := e.mutate(func(c *config.Config) { c.Namespace = ns }); err != nil {
		return err
	}
	e.emit(EventNamespaceChanged, SystemEvent{Detail: ns})
	return nil
}

// ToggleAPI flips the REST API enabled state and returns the new state.
func (e *Engine) ToggleAPI() (bool, error) {
	var enabled bool
	err := e.mutate(func(c *config.Config) {
		c.Web.API.Enabled = !c.Web.API.Enabled
		enabled = c.Web.API.Enabled
	})
	if err != nil {
		return false, err
	}
	e.emit(EventAPIToggled, SystemEvent{Detail: fmt.Sprintf("enabled=%v", enabled)})
	return enabled, nil
}

// SetUITheme stores the console theme.
func (e *Engine) SetUITheme(theme string) error {
	return e.mutate(func(c *config.Config) { c.UI.Theme = theme })
}

// SetWebHost stores the web listen host.
func (e *Engine) SetWebHost(host string) error {
	return e.mutate(func(c *config.Config) { c.Web.Host = host })
}

// SetWebPort stores the web listen port.
func (e *Engine) SetWebPort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidInput, port)
	}
	return e.mutate(func(c *config.Config) { c.Web.Port = port })
}

// SetWebAPIEnabled enables or disables the REST API.
func (e *Engine) SetWebAPIEnabled(enabled bool) error {
	return e.mutate(func(c *config.Config) { c.Web.API.Enabled = enabled })
}

// SetWebEnabled enables or disables the web server.
func (e *Engine) SetWebEnabled(enabled bool) error {
	return e.mutate(func(c *config.Config) { c.Web.Enabled = enabled })
}
