package scenario

import "fmt"

// VersionExpectations captures what a historical node version is known to do
// with wallets created by newer builds. The expected error wording is a
// compatibility contract with each historical version; keeping it as data per
// version means adding a release is a data change, not a logic change.
type VersionExpectations struct {
	// RejectsBlankWallets marks versions that predate the blank-wallet format
	// and must refuse to load one. The rejection happens at process init, not
	// at the RPC layer: these versions treat an incompatible wallet as fatal.
	RejectsBlankWallets bool

	// StartupErrorFormat is the expected init failure text, with one %s verb
	// for the wallet name. Matched per version, never globally.
	StartupErrorFormat string
}

// StartupError renders the expected init failure text for a wallet.
func (e VersionExpectations) StartupError(wallet string) string {
	return fmt.Sprintf(e.StartupErrorFormat, wallet)
}

// CompatibilityMatrix maps a version tag to its expectations. Versions absent
// from the matrix are assumed fully compatible.
type CompatibilityMatrix map[string]VersionExpectations

// DefaultMatrix reflects the currently provisioned release coverage: v0.18.x
// loads everything the current build writes; v0.17.x predates blank wallets
// and fails init on them.
func DefaultMatrix() CompatibilityMatrix {
	return CompatibilityMatrix{
		"v0.18.1": {},
		"v0.17.1": {
			RejectsBlankWallets: true,
			StartupErrorFormat:  "Error loading %s: Wallet requires newer version",
		},
	}
}
