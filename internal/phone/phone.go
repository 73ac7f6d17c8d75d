// Package phone canonicalizes heterogeneous phone-number representations
// into a comparable identity key.
//
// Normalization is a pure function: no I/O, same input always yields the
// same output. Callers resolving identities should try the canonical form
// first, then the raw digits, then any historically seen variant.
package phone

import (
	"regexp"
	"strings"
)

// Digit-count boundaries for canonicalization decisions.
const (
	// MinUnambiguousDigits is the smallest national number we canonicalize
	// with confidence. Anything shorter is returned as-is, flagged.
	MinUnambiguousDigits = 7
	// NationalNumberDigits is the length of a bare national number that
	// receives the default country code.
	NationalNumberDigits = 10
)

// gatewayPrefixes are transport-level prefixes stripped before normalization,
// e.g. Twilio delivers WhatsApp senders as "whatsapp:+919677018116".
var gatewayPrefixes = []string{"whatsapp:", "tel:", "sms:"}

var nonDigitRegex = regexp.MustCompile(`[^0-9]`)

// Number is the result of normalizing a raw phone string.
type Number struct {
	// Canonical is the digits-only representation including country code.
	Canonical string
	// Raw is the digits-only form of the input without country-code handling.
	Raw string
	// LowConfidence is set when the input had too few digits to apply the
	// country-code convention; Canonical then carries the digits as-is.
	LowConfidence bool
}

// Normalize canonicalizes an arbitrary phone string using the given default
// country code for bare national numbers. Inputs with an international
// prefix ("+", "00") or enough digits to already carry a country code are
// kept as-is after stripping punctuation.
func Normalize(raw, defaultCountryCode string) Number {
	s := strings.TrimSpace(strings.ToLower(raw))
	for _, prefix := range gatewayPrefixes {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.TrimSpace(s)

	international := strings.HasPrefix(s, "+")
	digits := nonDigitRegex.ReplaceAllString(s, "")
	if !international && strings.HasPrefix(digits, "00") {
		international = true
		digits = strings.TrimPrefix(digits, "00")
	}

	n := Number{Canonical: digits, Raw: digits}
	if digits == "" {
		n.LowConfidence = true
		return n
	}

	switch {
	case international:
		// Explicit country code, keep digits verbatim.
	case len(digits) < MinUnambiguousDigits:
		// Too short to disambiguate; hand back flagged for variant lookup.
		n.LowConfidence = true
	case len(digits) == NationalNumberDigits && defaultCountryCode != "":
		n.Canonical = defaultCountryCode + digits
	case len(digits) > NationalNumberDigits:
		// Long enough to already include a country code.
	default:
		// 7-9 digits: plausible short national number, cannot tell whether a
		// country code is present. Keep digits and flag.
		n.LowConfidence = true
	}
	return n
}

// Variants returns the lookup candidates for identity resolution, most
// specific first: canonical form, then raw digits when they differ.
func (n Number) Variants() []string {
	if n.Raw == n.Canonical {
		return []string{n.Canonical}
	}
	return []string{n.Canonical, n.Raw}
}
