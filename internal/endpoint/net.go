package endpoint

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"

	"github.com/vishvananda/netlink"
)

// LinkConfigurer is the subset of interface/route programming a Local
// endpoint drives on becoming ready or not-ready (spec.md §4.7's
// "configure interface sysctls and add routes" / "tear down interface
// configuration"). Implemented by NetlinkConfigurer against the real
// kernel; a fake backs Local's unit tests.
type LinkConfigurer interface {
	// EnsureSysctls applies the fixed set of per-interface sysctls this
	// agent requires of every local workload interface (for v4: proxy ARP
	// for the gateway illusion, route_localnet, arp_ignore, and rp_filter
	// switched off; for v6: proxy NDP, IPv6 left enabled, and
	// autoconf/accept_ra disabled so the workload only ever learns
	// addresses from Calico itself).
	EnsureSysctls(iface string, family int) error

	// AddRoute installs a scope-link route for ip out iface, the
	// point-to-point-style route Calico uses in place of an on-link
	// subnet (every workload interface is a /32 or /128 point to point).
	AddRoute(iface string, ip net.IP) error

	// RemoveRoute reverses AddRoute, best-effort (a route already gone is
	// not an error).
	RemoveRoute(iface string, ip net.IP) error
}

// NetlinkConfigurer implements LinkConfigurer against the real kernel via
// github.com/vishvananda/netlink for routes and direct /proc/sys writes
// for sysctls — no third-party sysctl wrapper exists anywhere in the
// retrieved corpus (SPEC_FULL.md §4.7/§13), so this one narrow concern is
// plain file I/O.
type NetlinkConfigurer struct{}

func (NetlinkConfigurer) EnsureSysctls(iface string, family int) error {
	base := fmt.Sprintf("/proc/sys/net/ipv4/conf/%s", iface)
	settings := map[string]string{
		"proxy_arp":       "1",
		"route_localnet":  "1",
		"rp_filter":       "0",
		"arp_ignore":      "1",
	}
	if family == 6 {
		base = fmt.Sprintf("/proc/sys/net/ipv6/conf/%s", iface)
		settings = map[string]string{
			"proxy_ndp":     "1",
			"autoconf":      "0",
			"accept_ra":     "0",
			"disable_ipv6":  "0",
		}
	}

	for name, value := range settings {
		path := filepath.Join(base, name)
		if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
			return fmt.Errorf("endpoint: writing sysctl %s: %w", path, err)
		}
	}

	return nil
}

func (NetlinkConfigurer) AddRoute(iface string, ip net.IP) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("endpoint: looking up link %s: %w", iface, err)
	}

	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       hostRoute(ip),
		Scope:     netlink.SCOPE_LINK,
	}
	if err := netlink.RouteReplace(route); err != nil {
		return fmt.Errorf("endpoint: adding route %s via %s: %w", ip, iface, err)
	}

	return nil
}

func (NetlinkConfigurer) RemoveRoute(iface string, ip net.IP) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		// The interface is already gone; there is nothing left to clean up.
		return nil
	}

	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       hostRoute(ip),
		Scope:     netlink.SCOPE_LINK,
	}
	if err := netlink.RouteDel(route); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("endpoint: removing route %s via %s: %w", ip, iface, err)
	}

	return nil
}

// hostRoute returns the single-address (/32 or /128) destination Calico
// always uses for a workload route.
func hostRoute(ip net.IP) *net.IPNet {
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}
}
