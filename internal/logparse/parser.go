// Package logparse extracts accepted-connection events from xray access-log
// lines.
//
// A matching line looks like:
//
//	from tcp:203.0.113.5:48290 accepted tcp:example.com:443 [VMESS_TCP -> IPv4] email: 42.alice
package logparse

import (
	"net/netip"
	"regexp"
	"strings"
)

// Event is one accepted connection attributed to a user.
type Event struct {
	User    string
	Addr    netip.Addr
	Inbound string
}

var acceptRx = regexp.MustCompile(
	`(?i)from\s+(?:tcp:|udp:)?` +
		`(?:\[([0-9a-fA-F:]+)\]|(\d{1,3}(?:\.\d{1,3}){3})):(\d+)` +
		`.*?\baccepted\b.*?\[([^\]]+)\].*?\bemail:\s*(\S+)`)

// Interesting is the fast path: a line without both the accept token and the
// user token can never match, so callers skip the regexp entirely.
func Interesting(line string) bool {
	return strings.Contains(line, "accepted") && strings.Contains(line, "email:")
}

// Parse extracts the (user, address, inbound) tuple from one log line.
// Malformed input, including addresses that fail IPv4/IPv6 validation,
// yields ok=false; Parse never panics on hostile log content.
func Parse(line string) (Event, bool) {
	if !Interesting(line) {
		return Event{}, false
	}
	m := acceptRx.FindStringSubmatch(line)
	if m == nil {
		return Event{}, false
	}
	raw := m[2] // ipv4
	if raw == "" {
		raw = m[1] // bracketed ipv6
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return Event{}, false
	}
	user := m[5]
	if user == "" {
		return Event{}, false
	}
	return Event{User: user, Addr: addr, Inbound: inboundLabel(m[4])}, true
}

// inboundLabel cuts the bracket text at the first "->" or ">>" and trims it.
// An empty label falls back to "default", matching the proxy's behavior for
// unnamed inbounds.
func inboundLabel(bracket string) string {
	s := bracket
	if i := strings.Index(s, "->"); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, ">>"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "default"
	}
	return s
}
