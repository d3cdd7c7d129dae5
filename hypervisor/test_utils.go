package hypervisor

import "os"

// isCI returns true if running in GitHub Actions (or any CI that sets the
// generic CI env var) — nested virtualization is usually unavailable
// there, so KVM-touching tests skip themselves.
func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}
