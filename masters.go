package hyperspace

import (
	"fmt"
	"net"
	"strings"
)

// ParseMasterAddresses splits a comma-separated address list and normalizes
// each entry. Blank entries are skipped; an empty result is an error.
func ParseMasterAddresses(raw string) ([]string, error) {
	parts := strings.Split(raw, ",")
	addrs, err := normalizeMasterAddresses(parts)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("hyperspace: no master addresses provided")
	}
	return addrs, nil
}

// normalizeMasterAddr canonicalizes one host[:port] entry, appending the
// default Hyperspace port when none is present. Addresses are transport
// endpoints, not URLs: schemes are rejected.
func normalizeMasterAddr(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty master address")
	}
	if strings.Contains(trimmed, "://") {
		return "", fmt.Errorf("master address %q must be host[:port], not a URL", trimmed)
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		// No port present (or bare IPv6 literal); append the default.
		host = strings.Trim(trimmed, "[]")
		port = defaultMasterPort
	} else {
		host = strings.Trim(host, "[]")
		if port == "" {
			port = defaultMasterPort
		}
	}
	if host == "" {
		return "", fmt.Errorf("master address %q has no host", raw)
	}
	return net.JoinHostPort(host, port), nil
}

// masterList is the ordered master candidate list with the round-robin
// cursor used by the reconnection procedure. It is not safe for concurrent
// use; the owning Session's mutex guards it.
type masterList struct {
	addrs  []string
	cursor int
}

// newMasterList assumes addrs is normalized and non-empty.
func newMasterList(addrs []string) *masterList {
	owned := make([]string, len(addrs))
	copy(owned, addrs)
	return &masterList{addrs: owned}
}

// current returns the address the cursor points at.
func (m *masterList) current() string {
	return m.addrs[m.cursor]
}

// next advances the cursor round-robin, wrapping past the end back to the
// primary, and returns the new current address.
func (m *masterList) next() string {
	m.cursor = (m.cursor + 1) % len(m.addrs)
	return m.addrs[m.cursor]
}

// reset moves the cursor back to the primary.
func (m *masterList) reset() {
	m.cursor = 0
}

// replace swaps in a new candidate list. When the currently selected address
// survives the swap the cursor follows it; otherwise it resets to the new
// primary.
func (m *masterList) replace(addrs []string) {
	active := m.current()
	owned := make([]string, len(addrs))
	copy(owned, addrs)
	m.addrs = owned
	m.cursor = 0
	for i, addr := range m.addrs {
		if addr == active {
			m.cursor = i
			return
		}
	}
}

// snapshot returns a copy of the candidate list.
func (m *masterList) snapshot() []string {
	out := make([]string, len(m.addrs))
	copy(out, m.addrs)
	return out
}
