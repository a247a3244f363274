// Package hwid decides how a presented hardware id relates to the one
// already bound to an account or license key.
package hwid

// Binding is the outcome of comparing a stored and a presented HWID.
type Binding int

const (
	// Unbound means nothing is stored yet; the caller should bind.
	Unbound Binding = iota
	// Match means the presented HWID equals the stored one.
	Match
	// Mismatch means a different HWID is already bound.
	Mismatch
)

func (b Binding) String() string {
	switch b {
	case Unbound:
		return "unbound"
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Evaluate compares stored against presented. Comparison is exact.
func Evaluate(stored, presented string) Binding {
	switch {
	case stored == "":
		return Unbound
	case stored == presented:
		return Match
	default:
		return Mismatch
	}
}
