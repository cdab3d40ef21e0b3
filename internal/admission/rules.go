// Package admission applies per-packet CIDR and destination-port rules.
// The userspace checks here are authoritative; the eBPF filter in
// cmd/filter is a best-effort accelerator that drops obvious garbage before
// it reaches a socket.
package admission

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// Rule admits clients from a network, optionally restricted to one
// destination port. Port 0 matches any port.
type Rule struct {
	Network *net.IPNet
	Port    int
	Enabled bool
}

// ParseRule builds a rule from a CIDR prefix (bare IPs get /32).
func ParseRule(cidr string, port int) (Rule, error) {
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		if ip := net.ParseIP(cidr); ip != nil {
			cidr = cidr + "/32"
		}
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return Rule{}, fmt.Errorf("parse admission rule %q: %w", cidr, err)
	}
	return Rule{Network: network, Port: port, Enabled: true}, nil
}

// Stats are per-ruleset packet counters, split by protocol and intent.
type Stats struct {
	Total         uint64
	Allowed       uint64
	Blocked       uint64
	BlockedTCP    uint64
	BlockedUDP    uint64
	BlockedSyslog uint64 // UDP destinations inside the syslog port range
}

// RuleSet is the in-process admission filter. Reads are lock-free on the
// counter path; rule swaps take the write lock.
type RuleSet struct {
	mu           sync.RWMutex
	rules        []Rule
	allowedPorts map[int]bool
	syslogLow    int
	syslogHigh   int

	total, allowed, blocked      atomic.Uint64
	blockedTCP, blockedUDP       atomic.Uint64
	blockedSyslog                atomic.Uint64
}

// NewRuleSet builds a filter admitting the given ports for clients matching
// any enabled rule. syslogLow/High classify blocked UDP traffic for stats.
func NewRuleSet(rules []Rule, allowedPorts []int, syslogLow, syslogHigh int) *RuleSet {
	ports := make(map[int]bool, len(allowedPorts))
	for _, p := range allowedPorts {
		ports[p] = true
	}
	return &RuleSet{rules: rules, allowedPorts: ports, syslogLow: syslogLow, syslogHigh: syslogHigh}
}

// Install replaces the active rules and port allow-list.
func (rs *RuleSet) Install(rules []Rule, allowedPorts []int) {
	ports := make(map[int]bool, len(allowedPorts))
	for _, p := range allowedPorts {
		ports[p] = true
	}
	rs.mu.Lock()
	rs.rules = rules
	rs.allowedPorts = ports
	rs.mu.Unlock()
}

// Check reports whether a packet from src to dstPort passes. udp selects
// the protocol counter on block.
func (rs *RuleSet) Check(src net.IP, dstPort int, udp bool) bool {
	rs.total.Add(1)

	rs.mu.RLock()
	portOK := len(rs.allowedPorts) == 0 || rs.allowedPorts[dstPort]
	ruleOK := false
	if portOK {
		for _, r := range rs.rules {
			if !r.Enabled || !r.Network.Contains(src) {
				continue
			}
			if r.Port == 0 || r.Port == dstPort {
				ruleOK = true
				break
			}
		}
	}
	syslogPort := dstPort >= rs.syslogLow && dstPort <= rs.syslogHigh
	rs.mu.RUnlock()

	if portOK && ruleOK {
		rs.allowed.Add(1)
		return true
	}
	rs.blocked.Add(1)
	if udp {
		rs.blockedUDP.Add(1)
		if syslogPort {
			rs.blockedSyslog.Add(1)
		}
	} else {
		rs.blockedTCP.Add(1)
	}
	return false
}

// Passthrough reports whether no rules are installed, in which case callers
// rely on the per-source allow-list alone.
func (rs *RuleSet) Passthrough() bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules) == 0
}

// Stats returns a snapshot of the counters.
func (rs *RuleSet) Stats() Stats {
	return Stats{
		Total:         rs.total.Load(),
		Allowed:       rs.allowed.Load(),
		Blocked:       rs.blocked.Load(),
		BlockedTCP:    rs.blockedTCP.Load(),
		BlockedUDP:    rs.blockedUDP.Load(),
		BlockedSyslog: rs.blockedSyslog.Load(),
	}
}
