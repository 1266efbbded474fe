// Package tier defines the ordered access tiers granted to credentials.
// Higher tier = more privilege. Every privilege check in tiergate compares
// tiers through this package rather than by name.
package tier

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknown is returned for tier names outside the fixed set.
var ErrUnknown = errors.New("unknown tier")

// Tier is a named privilege level. The zero value is Invalid so that an
// unset field never grants access.
type Tier int

const (
	Invalid    Tier = iota
	Diag            // read-only inspection
	Remediate       // pre-approved mutating operations
	Breakglass      // time-boxed emergency access
	Root            // full access; accepted wherever breakglass is
)

// All returns the valid tiers in ascending privilege order.
func All() []Tier {
	return []Tier{Diag, Remediate, Breakglass, Root}
}

// String returns the canonical lowercase name of the tier.
func (t Tier) String() string {
	switch t {
	case Diag:
		return "diag"
	case Remediate:
		return "remediate"
	case Breakglass:
		return "breakglass"
	case Root:
		return "root"
	default:
		return fmt.Sprintf("invalid(%d)", int(t))
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t >= Diag && t <= Root
}

// AtLeast reports whether t grants at least the privilege of min.
// Invalid tiers never satisfy anything.
func (t Tier) AtLeast(min Tier) bool {
	if !t.Valid() || !min.Valid() {
		return false
	}
	return t >= min
}

// Elevated reports whether t is an emergency tier (breakglass or root).
func (t Tier) Elevated() bool {
	return t.AtLeast(Breakglass)
}

// Parse maps a tier name to a Tier. Fail-closed: unknown names are an error.
func Parse(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "diag":
		return Diag, nil
	case "remediate":
		return Remediate, nil
	case "breakglass", "break-glass":
		return Breakglass, nil
	case "root":
		return Root, nil
	default:
		return Invalid, fmt.Errorf("%w %q", ErrUnknown, s)
	}
}

// Upto returns every valid tier from Diag through t inclusive.
// Credentials carry the full chain so lower-tier principals still match.
func Upto(t Tier) []Tier {
	if !t.Valid() {
		return nil
	}
	var out []Tier
	for _, x := range All() {
		if x <= t {
			out = append(out, x)
		}
	}
	return out
}

// Highest returns the most privileged tier in ts, or Invalid when empty.
func Highest(ts []Tier) Tier {
	best := Invalid
	for _, t := range ts {
		if t.Valid() && t > best {
			best = t
		}
	}
	return best
}

// MarshalText implements encoding.TextMarshaler for JSON and YAML.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
