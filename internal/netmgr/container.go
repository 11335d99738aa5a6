package netmgr

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/mydocker/runtime/internal/errkind"
)

// MaxVethSuffixLen bounds veth_suffix so "vh-<suffix>"/"vc-<suffix>" stay
// within the 15-byte kernel interface-name limit, per spec.md §3.
const MaxVethSuffixLen = 11

// WireContainer implements spec.md §4.D's per-container phase. It must be
// called after the child has unshared CLONE_NEWNET but before the launcher
// unblocks it (S4 in the §4.E state machine).
func (m *Manager) WireContainer(pid int, containerCIDR, vethSuffix string) (Endpoint, error) {
	if len(vethSuffix) > MaxVethSuffixLen {
		return Endpoint{}, fmt.Errorf("%w: veth suffix %q exceeds %d characters", errkind.Config, vethSuffix, MaxVethSuffixLen)
	}

	hostName := "vh-" + vethSuffix
	peerName := "vc-" + vethSuffix

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostName},
		PeerName:  peerName,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return Endpoint{}, fmt.Errorf("%w: creating veth pair %s/%s: %v", errkind.Network, hostName, peerName, err)
	}

	if err := m.attachToBridge(hostName); err != nil {
		netlink.LinkDel(veth)
		return Endpoint{}, err
	}

	peerLink, err := netlink.LinkByName(peerName)
	if err != nil {
		netlink.LinkDel(veth)
		return Endpoint{}, fmt.Errorf("%w: looking up peer %s: %v", errkind.Network, peerName, err)
	}

	targetNS, err := netns.GetFromPid(pid)
	if err != nil {
		netlink.LinkDel(veth)
		return Endpoint{}, fmt.Errorf("%w: opening netns for pid %d: %v", errkind.Namespace, pid, err)
	}
	defer targetNS.Close()

	if err := netlink.LinkSetNsFd(peerLink, int(targetNS)); err != nil {
		netlink.LinkDel(veth)
		return Endpoint{}, fmt.Errorf("%w: moving %s into pid %d's netns: %v", errkind.Namespace, peerName, pid, err)
	}

	if err := m.configurePeerInNamespace(targetNS, peerName, containerCIDR); err != nil {
		netlink.LinkDel(veth)
		return Endpoint{}, err
	}

	m.log.Infow("wired container network", "host", hostName, "peer", peerName, "pid", pid, "cidr", containerCIDR)
	return Endpoint{
		HostVeth:  hostName,
		PeerVeth:  peerName,
		PeerNSPID: pid,
		IPv4CIDR:  containerCIDR,
	}, nil
}

func (m *Manager) attachToBridge(hostVeth string) error {
	br, err := netlink.LinkByName(m.cfg.BridgeName)
	if err != nil {
		return fmt.Errorf("%w: bridge %s not found, run host setup first: %v", errkind.Network, m.cfg.BridgeName, err)
	}
	link, err := netlink.LinkByName(hostVeth)
	if err != nil {
		return fmt.Errorf("%w: looking up %s: %v", errkind.Network, hostVeth, err)
	}
	if err := netlink.LinkSetMaster(link, br); err != nil {
		return fmt.Errorf("%w: attaching %s to bridge %s: %v", errkind.Network, hostVeth, m.cfg.BridgeName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("%w: bringing up %s: %v", errkind.Network, hostVeth, err)
	}
	return nil
}

// configurePeerInNamespace implements spec.md §4.D per-container step 4:
// rename the peer to eth0, address it, bring it up, and add a default
// route via the bridge's address. runtime.LockOSThread pins the calling
// goroutine to its OS thread for the duration of the namespace switch,
// matching the pattern used for netns entry elsewhere in the ecosystem.
func (m *Manager) configurePeerInNamespace(targetNS netns.NsHandle, peerName, containerCIDR string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origNS, err := netns.Get()
	if err != nil {
		return fmt.Errorf("%w: saving current netns: %v", errkind.Namespace, err)
	}
	defer origNS.Close()

	if err := netns.Set(targetNS); err != nil {
		return fmt.Errorf("%w: entering container netns: %v", errkind.Namespace, err)
	}
	defer netns.Set(origNS)

	link, err := netlink.LinkByName(peerName)
	if err != nil {
		return fmt.Errorf("%w: finding %s inside container netns: %v", errkind.Namespace, peerName, err)
	}

	if err := netlink.LinkSetName(link, "eth0"); err != nil {
		return fmt.Errorf("%w: renaming %s to eth0: %v", errkind.Namespace, peerName, err)
	}
	link, err = netlink.LinkByName("eth0")
	if err != nil {
		return fmt.Errorf("%w: finding eth0 after rename: %v", errkind.Namespace, err)
	}

	addr, err := netlink.ParseAddr(containerCIDR)
	if err != nil {
		return fmt.Errorf("%w: bad container CIDR %q: %v", errkind.Config, containerCIDR, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("%w: assigning %s to eth0: %v", errkind.Namespace, containerCIDR, err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("%w: bringing up eth0: %v", errkind.Namespace, err)
	}

	gw, err := bridgeGateway(m.cfg.BridgeCIDR)
	if err != nil {
		return err
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        gw,
	}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("%w: adding default route via %s: %v", errkind.Namespace, gw, err)
	}
	return nil
}

// Teardown removes the host-side veth endpoint for a finished container.
// The peer end disappears with its network namespace, so nothing further
// is needed there.
func (m *Manager) Teardown(ep Endpoint) error {
	link, err := netlink.LinkByName(ep.HostVeth)
	if err != nil {
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("%w: removing veth %s: %v", errkind.Network, ep.HostVeth, err)
	}
	return nil
}
