// Package launch implements Component E: the container launcher state
// machine described in spec.md §4.E/§5 (states S0-S7).
package launch

import "github.com/mydocker/runtime/internal/ociimage"

// Spec is a ContainerSpec: what to launch and how to constrain/address it.
type Spec struct {
	Image       ociimage.Ref
	Argv        []string
	MemLimit    string // "<digits><unit>", e.g. "64MB"; empty means unset
	CPUPercent  int    // 0 means unset
	ContainerIP string // e.g. "172.20.0.10/24"; empty auto-assigns
	VethSuffix  string // empty mints a random one
}
