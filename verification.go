package purchases

// VerificationResult describes whether a CustomerInfo response was
// cryptographically validated.
type VerificationResult int

const (
	// VerificationNotVerified means no validation was attempted or possible.
	VerificationNotVerified VerificationResult = iota
	// VerificationVerified means the response signature checked out.
	VerificationVerified
	// VerificationFailed means validation was attempted and did not pass.
	VerificationFailed
)

func (v VerificationResult) String() string {
	switch v {
	case VerificationVerified:
		return "verified"
	case VerificationFailed:
		return "failed"
	default:
		return "not_verified"
	}
}

// Merged combines a cached verification state with a freshly fetched one.
// The combination never upgrades trust: a verified cache degrades to
// whatever the fresh response earned, and a failed state on either side is
// sticky. This is an enumerated table, not an ordering.
func (v VerificationResult) Merged(fresh VerificationResult) VerificationResult {
	switch v {
	case VerificationFailed:
		// (failed, verified), (failed, notVerified), (failed, failed)
		return VerificationFailed
	case VerificationNotVerified:
		// (notVerified, failed)
		if fresh == VerificationFailed {
			return VerificationFailed
		}
		// (notVerified, verified), (notVerified, notVerified)
		return VerificationNotVerified
	default:
		// (verified, verified), (verified, notVerified), (verified, failed)
		return fresh
	}
}
