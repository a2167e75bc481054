package protocol

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/gluk-w/claworc/ftpbroker/internal/logutil"
)

// TargetDeniedError is returned when a dial target resolves to an address
// outside the configured target policy. It is never retried.
type TargetDeniedError struct {
	Host string
	IP   string
}

func (e *TargetDeniedError) Error() string {
	if e.IP == "" || e.IP == e.Host {
		return fmt.Sprintf("target %s is not allowed", logutil.SanitizeForLog(e.Host))
	}
	return fmt.Sprintf("target %s (%s) is not allowed", logutil.SanitizeForLog(e.Host), e.IP)
}

func (e *TargetDeniedError) Permanent() bool { return true }

// ParseNetworks parses IP addresses and CIDR ranges. Single IPs become /32
// (IPv4) or /128 (IPv6) networks. Empty entries are skipped.
func ParseNetworks(entries []string) ([]*net.IPNet, error) {
	var networks []*net.IPNet
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			networks = append(networks, network)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		mask := net.CIDRMask(128, 128)
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
			mask = net.CIDRMask(32, 32)
		}
		networks = append(networks, &net.IPNet{IP: ip.Mask(mask), Mask: mask})
	}
	return networks, nil
}

// TargetPolicy restricts which remote addresses may be dialed. An empty
// Allow list allows everything not denied. Deny wins over Allow.
type TargetPolicy struct {
	Allow []*net.IPNet
	Deny  []*net.IPNet

	// lookup resolves host names. Defaults to net.DefaultResolver.
	lookup func(ctx context.Context, host string) ([]net.IPAddr, error)
}

// NewTargetPolicy parses allow and deny lists. It returns nil when both are
// empty.
func NewTargetPolicy(allow, deny []string) (*TargetPolicy, error) {
	a, err := ParseNetworks(allow)
	if err != nil {
		return nil, fmt.Errorf("target allow list: %w", err)
	}
	d, err := ParseNetworks(deny)
	if err != nil {
		return nil, fmt.Errorf("target deny list: %w", err)
	}
	if len(a) == 0 && len(d) == 0 {
		return nil, nil
	}
	return &TargetPolicy{Allow: a, Deny: d}, nil
}

func (tp *TargetPolicy) allowed(ip net.IP) bool {
	for _, n := range tp.Deny {
		if n.Contains(ip) {
			return false
		}
	}
	if len(tp.Allow) == 0 {
		return true
	}
	for _, n := range tp.Allow {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Check resolves host and fails if any of its addresses is not allowed.
// A nil policy allows everything.
func (tp *TargetPolicy) Check(ctx context.Context, host string) error {
	if tp == nil {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil {
		if !tp.allowed(ip) {
			return &TargetDeniedError{Host: host, IP: ip.String()}
		}
		return nil
	}

	lookup := tp.lookup
	if lookup == nil {
		lookup = net.DefaultResolver.LookupIPAddr
	}
	addrs, err := lookup(ctx, host)
	if err != nil {
		return classifyDial(host, err)
	}
	for _, a := range addrs {
		if !tp.allowed(a.IP) {
			return &TargetDeniedError{Host: host, IP: a.IP.String()}
		}
	}
	return nil
}
