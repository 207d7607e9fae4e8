// Package readonly verifies, at pool creation time, that a database
// credential cannot write. Verification is backend specific: MySQL-family
// servers expose server flags and SHOW GRANTS, warehouses expose a grants
// catalog with a write-probe fallback. A connection that fails verification
// must never be registered.
package readonly

// Verdict is the outcome of a read-only verification.
type Verdict struct {
	// ReadOnly reports whether the credential is strictly read-only.
	ReadOnly bool
	// Reasons explains the verdict, one finding per entry.
	Reasons []string
	// Warnings carries non-blocking findings, such as EXECUTE grants on
	// backends where routines may write.
	Warnings []string
	// Degraded is set when verification could not be completed normally and
	// the verdict fell back to a conservative answer.
	Degraded bool
}

func (v *Verdict) deny(reason string) {
	v.ReadOnly = false
	v.Reasons = append(v.Reasons, reason)
}

func (v *Verdict) warn(warning string) {
	v.Warnings = append(v.Warnings, warning)
}
