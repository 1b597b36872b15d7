//go:build !linux

package cel

// newOverlayCEL returns nil on non-Linux platforms so New() always
// falls back to the copy variant, matching the original tool's
// platform.system() dispatch (Linux gets overlayfs, everything else
// gets the portable copy backend).
func newOverlayCEL(base string) CEL { return nil }

func rehydrateOverlayCEL(base, mountPoint string) CEL { return nil }
