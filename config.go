package hyperspace

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultLeaseInterval is how long the master keeps a session valid
	// after the last acknowledged keepalive.
	DefaultLeaseInterval = 20 * time.Second
	// DefaultKeepaliveInterval is the proactive keepalive send cadence. It
	// must stay well below the lease interval so several sends fit into one
	// lease.
	DefaultKeepaliveInterval = 5 * time.Second
	// DefaultGracePeriod is the extra time past lease expiry before the
	// session is declared dead, absorbing network jitter and master
	// failover.
	DefaultGracePeriod = 10 * time.Second
	// DefaultReconnectBackoff is the fixed pause between reconnect attempts
	// while rotating through the master candidates.
	DefaultReconnectBackoff = 3 * time.Second
)

// defaultMasterPort is appended to master addresses that carry no port.
const defaultMasterPort = "38040"

// Config carries the timing and addressing knobs for a Session. The zero
// value plus at least one master address is usable: Validate fills in the
// defaults above.
type Config struct {
	// LeaseInterval is the master's validity promise after the last
	// acknowledged keepalive. Defaults to DefaultLeaseInterval.
	LeaseInterval time.Duration
	// KeepaliveInterval is the duration between proactive keepalive sends.
	// Must be strictly less than LeaseInterval. Defaults to
	// DefaultKeepaliveInterval.
	KeepaliveInterval time.Duration
	// GracePeriod is the extra duration past lease expiry before the client
	// gives up entirely. Defaults to DefaultGracePeriod.
	GracePeriod time.Duration
	// ReconnectBackoff is the fixed pause between reconnect attempts.
	// Defaults to DefaultReconnectBackoff.
	ReconnectBackoff time.Duration
	// MasterAddresses is the ordered candidate list, primary first. Entries
	// are host[:port]; missing ports default to 38040. At least one address
	// is required.
	MasterAddresses []string
	// Verbose raises per-round-trip keepalive logging from trace to debug.
	Verbose bool
}

// Validate applies defaults, normalizes the master addresses and rejects
// impossible timing combinations. It mutates the receiver.
func (c *Config) Validate() error {
	if c.LeaseInterval == 0 {
		c.LeaseInterval = DefaultLeaseInterval
	} else if c.LeaseInterval < 0 {
		return fmt.Errorf("config: lease interval must be > 0")
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	} else if c.KeepaliveInterval < 0 {
		return fmt.Errorf("config: keepalive interval must be > 0")
	}
	if c.KeepaliveInterval >= c.LeaseInterval {
		return fmt.Errorf("config: keepalive interval %s must be strictly less than lease interval %s",
			c.KeepaliveInterval, c.LeaseInterval)
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	} else if c.GracePeriod < 0 {
		return fmt.Errorf("config: grace period must be > 0")
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	} else if c.ReconnectBackoff < 0 {
		return fmt.Errorf("config: reconnect backoff must be > 0")
	}
	normalized, err := normalizeMasterAddresses(c.MasterAddresses)
	if err != nil {
		return err
	}
	if len(normalized) == 0 {
		return fmt.Errorf("config: at least one master address is required")
	}
	c.MasterAddresses = normalized
	return nil
}

func normalizeMasterAddresses(addrs []string) ([]string, error) {
	normalized := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		n, err := normalizeMasterAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		normalized = append(normalized, n)
	}
	return normalized, nil
}
