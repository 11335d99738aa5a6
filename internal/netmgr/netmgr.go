// Package netmgr implements Component D: a once-per-host bridge+NAT setup
// phase, and a per-container veth-wiring phase invoked by the launcher
// after the child has unshared its network namespace.
package netmgr

import (
	"fmt"
	"net"
	"os"

	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/mydocker/runtime/internal/config"
	"github.com/mydocker/runtime/internal/errkind"
)

// Endpoint is a NetEndpoint: the veth pair wired for one container.
type Endpoint struct {
	HostVeth  string
	PeerVeth  string
	PeerNSPID int
	IPv4CIDR  string
}

// Manager is Component D.
type Manager struct {
	cfg config.Config
	log *zap.SugaredLogger
}

// New constructs a network Manager for cfg.BridgeName/cfg.BridgeCIDR.
func New(cfg config.Config, log *zap.SugaredLogger) *Manager {
	return &Manager{cfg: cfg, log: log.Named("netmgr")}
}

// EnsureHostNetworking implements spec.md §4.D's host phase. Every step is
// idempotent: repeated calls across container launches are a no-op modulo
// log output, per invariant (v).
func (m *Manager) EnsureHostNetworking() error {
	if err := enableIPForward(); err != nil {
		return err
	}

	br, err := m.ensureBridge()
	if err != nil {
		return err
	}

	if err := m.ensureBridgeAddress(br); err != nil {
		return err
	}

	if err := netlink.LinkSetUp(br); err != nil {
		return fmt.Errorf("%w: bringing up bridge %s: %v", errkind.Network, m.cfg.BridgeName, err)
	}

	pub, err := defaultOutboundInterface()
	if err != nil {
		return err
	}

	if err := m.ensureNAT(pub); err != nil {
		return err
	}

	m.log.Infow("host networking ready", "bridge", m.cfg.BridgeName, "uplink", pub)
	return nil
}

func enableIPForward() error {
	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0o644); err != nil {
		return fmt.Errorf("%w: enabling ip_forward: %v", errkind.Network, err)
	}
	return nil
}

// ensureBridge creates the bridge device, tolerating EEXIST per spec.md
// §4.D step 2.
func (m *Manager) ensureBridge() (*netlink.Bridge, error) {
	if link, err := netlink.LinkByName(m.cfg.BridgeName); err == nil {
		if br, ok := link.(*netlink.Bridge); ok {
			return br, nil
		}
		return nil, fmt.Errorf("%w: %s exists but is not a bridge", errkind.Network, m.cfg.BridgeName)
	}

	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: m.cfg.BridgeName}}
	if err := netlink.LinkAdd(br); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("%w: creating bridge %s: %v", errkind.Network, m.cfg.BridgeName, err)
	}

	link, err := netlink.LinkByName(m.cfg.BridgeName)
	if err != nil {
		return nil, fmt.Errorf("%w: looking up bridge %s after create: %v", errkind.Network, m.cfg.BridgeName, err)
	}
	return link.(*netlink.Bridge), nil
}

// ensureBridgeAddress assigns cfg.BridgeCIDR, checking existing addresses
// first so a repeat call never surfaces EEXIST, per spec.md §4.D step 3.
func (m *Manager) ensureBridgeAddress(br *netlink.Bridge) error {
	want, err := netlink.ParseAddr(m.cfg.BridgeCIDR)
	if err != nil {
		return fmt.Errorf("%w: bad bridge CIDR %q: %v", errkind.Config, m.cfg.BridgeCIDR, err)
	}

	existing, err := netlink.AddrList(br, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("%w: listing addresses on %s: %v", errkind.Network, m.cfg.BridgeName, err)
	}
	for _, a := range existing {
		if a.IP.Equal(want.IP) {
			return nil
		}
	}

	if err := netlink.AddrAdd(br, want); err != nil && !os.IsExist(err) {
		return fmt.Errorf("%w: assigning %s to %s: %v", errkind.Network, m.cfg.BridgeCIDR, m.cfg.BridgeName, err)
	}
	return nil
}

// defaultOutboundInterface implements spec.md §4.D step 5: the IPv4
// default route with the lowest metric, resolved to an interface name.
func defaultOutboundInterface() (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("%w: listing routes: %v", errkind.Network, err)
	}

	var best *netlink.Route
	for i := range routes {
		r := &routes[i]
		if r.Dst != nil {
			continue // not a default route
		}
		if best == nil || r.Priority < best.Priority {
			best = r
		}
	}
	if best == nil {
		return "", fmt.Errorf("%w: no IPv4 default route found", errkind.Network)
	}

	link, err := netlink.LinkByIndex(best.LinkIndex)
	if err != nil {
		return "", fmt.Errorf("%w: resolving default route interface: %v", errkind.Network, err)
	}
	return link.Attrs().Name, nil
}

// ensureNAT implements spec.md §4.D step 6: MASQUERADE plus the two
// FORWARD rules, each inserted only if absent.
func (m *Manager) ensureNAT(pub string) error {
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("%w: initializing iptables: %v", errkind.Network, err)
	}

	subnet, err := bridgeSubnet(m.cfg.BridgeCIDR)
	if err != nil {
		return err
	}

	rules := []struct {
		table, chain string
		spec         []string
	}{
		{"nat", "POSTROUTING", []string{"-s", subnet, "-o", pub, "-j", "MASQUERADE"}},
		{"filter", "FORWARD", []string{"-i", m.cfg.BridgeName, "-o", pub, "-j", "ACCEPT"}},
		{"filter", "FORWARD", []string{"-i", pub, "-o", m.cfg.BridgeName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"}},
	}

	for _, r := range rules {
		exists, err := ipt.Exists(r.table, r.chain, r.spec...)
		if err != nil {
			return fmt.Errorf("%w: checking %s/%s rule: %v", errkind.Network, r.table, r.chain, err)
		}
		if exists {
			continue
		}
		if err := ipt.Append(r.table, r.chain, r.spec...); err != nil {
			return fmt.Errorf("%w: inserting %s/%s rule: %v", errkind.Network, r.table, r.chain, err)
		}
	}
	return nil
}

// bridgeGateway returns the bridge's own IP from its CIDR, used as the
// container's default-route next hop.
func bridgeGateway(cidr string) (net.IP, error) {
	ip, _, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad bridge CIDR %q: %v", errkind.Config, cidr, err)
	}
	return ip, nil
}

func bridgeSubnet(cidr string) (string, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", fmt.Errorf("%w: bad bridge CIDR %q: %v", errkind.Config, cidr, err)
	}
	return ipnet.String(), nil
}

// Status reports the current state of the host bridge, for diagnostics
// (SPEC_FULL.md §4.D.1 supplement). up is the administrative IFF_UP flag,
// not the operational state, which stays down while no port is attached.
func (m *Manager) Status() (exists bool, up bool, addrs []string, err error) {
	link, lookupErr := netlink.LinkByName(m.cfg.BridgeName)
	if lookupErr != nil {
		return false, false, nil, nil
	}
	adminUp := link.Attrs().Flags&net.FlagUp != 0
	as, aerr := netlink.AddrList(link, netlink.FAMILY_V4)
	if aerr != nil {
		return true, adminUp, nil, fmt.Errorf("%w: listing addresses: %v", errkind.Network, aerr)
	}
	for _, a := range as {
		addrs = append(addrs, a.IPNet.String())
	}
	return true, adminUp, addrs, nil
}

// TeardownHost removes the bridge device entirely (SPEC_FULL.md §4.D.1
// supplement; not invoked by the per-container launch path).
func (m *Manager) TeardownHost() error {
	link, err := netlink.LinkByName(m.cfg.BridgeName)
	if err != nil {
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("%w: deleting bridge %s: %v", errkind.Network, m.cfg.BridgeName, err)
	}
	return nil
}
