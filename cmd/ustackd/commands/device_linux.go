//go:build linux

package commands

import (
	"github.com/nilknarf/ustack/driver"
	"github.com/nilknarf/ustack/internal/config"
)

// openDevice binds a raw AF_PACKET socket to the configured tap interface.
func openDevice(cfg config.IfaceConfig) (driver.Device, func() error, error) {
	tap, err := driver.OpenTap(cfg.Name)
	if err != nil {
		return nil, nil, err
	}
	return tap, tap.Close, nil
}
