package config

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"
)

// Subsystems are the loggers owned by this program. The global level applies
// to them only; libp2p subsystems keep their own levels unless named in
// logging.subsystems.
var Subsystems = []string{"app", "call", "config", "mq", "p2p", "viewer"}

// Apply sets the configured log levels.
func (l Logging) Apply() error {
	level := l.Level
	if level == "" {
		level = "info"
	}
	for _, sys := range Subsystems {
		// Registers the subsystem if its package has not been loaded yet.
		_ = logging.Logger(sys)
		if err := logging.SetLogLevel(sys, level); err != nil {
			return fmt.Errorf("logging: %s: %w", sys, err)
		}
	}
	for sys, lvl := range l.Subsystems {
		if err := logging.SetLogLevel(sys, lvl); err != nil {
			// Unknown subsystems are not registered yet; not fatal.
			log.Warnf("logging: cannot set %s=%s: %v", sys, lvl, err)
		}
	}
	return nil
}
