package launch

import (
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/mydocker/runtime/internal/errkind"
	"github.com/mydocker/runtime/internal/ociimage"
)

// newContainerID mints a ContainerID: <sanitized-image-ref>-<8 hex>, where
// the prefix is ref.SafeID() (name and tag). Its length is not bounded.
func newContainerID(ref ociimage.Ref) string {
	suffix := uuid.NewString()[:8]
	return fmt.Sprintf("%s-%s", ref.SafeID(), suffix)
}

// newVethSuffix mints an 8-character lowercase-hex veth suffix (Open
// Question 3): short enough that "vh-"/"vc-" stay within the 15-byte
// kernel interface-name limit enforced by netmgr.MaxVethSuffixLen.
func newVethSuffix() string {
	return uuid.NewString()[:8]
}

// deriveContainerCIDR picks a host address inside the bridge subnet for
// the container's eth0, distinct from the bridge's own address. It hashes
// the container ID into the subnet's host bits rather than keeping a
// counter, so concurrently launched containers need no shared state.
func deriveContainerCIDR(bridgeCIDR, containerID string) (string, error) {
	_, ipnet, err := net.ParseCIDR(bridgeCIDR)
	if err != nil {
		return "", fmt.Errorf("%w: bad bridge CIDR %q: %v", errkind.Config, bridgeCIDR, err)
	}
	ones, bits := ipnet.Mask.Size()
	hostBits := bits - ones
	if hostBits < 2 {
		return "", fmt.Errorf("%w: bridge CIDR %q has no room for container addresses", errkind.Config, bridgeCIDR)
	}

	h := fnv32(containerID)
	usable := uint32(1)<<uint(hostBits) - 3 // exclude network (.0), gateway (.1), and broadcast (last)
	offset := 2 + h%usable                  // start past .0 (network) and .1 (bridge gateway)

	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return "", fmt.Errorf("%w: bridge CIDR %q is not IPv4", errkind.Config, bridgeCIDR)
	}
	base := uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
	addr := base + offset
	containerIP := net.IPv4(byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr))

	return fmt.Sprintf("%s/%d", containerIP.String(), ones), nil
}

// fnv32 is a tiny deterministic string hash; cryptographic quality is not
// needed, only an even spread across the subnet's host range.
func fnv32(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
