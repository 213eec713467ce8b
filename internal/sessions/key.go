// Package sessions normalizes raw phone numbers and JIDs into conversation identities.
//
// Every chat event is keyed by a canonical identity derived from the sender's
// phone number / JID. The same person can reach us in several spellings:
//
//	+55 (11) 98765-4321
//	5511987654321@s.whatsapp.net
//	5511987654321:12@s.whatsapp.net   (device suffix)
//	1187654321                         (national, pre-2012 8-digit mobile)
//
// All of them normalize to 5511987654321.
package sessions

import "strings"

// DefaultCountryCode is the calling code assumed for national numbers.
const DefaultCountryCode = "55"

// Normalizer maps raw sender identifiers to canonical identities.
// The zero value uses DefaultCountryCode.
type Normalizer struct {
	CountryCode string
}

var defaultNormalizer = Normalizer{CountryCode: DefaultCountryCode}

// NormalizeIdentity normalizes raw with the default country code.
func NormalizeIdentity(raw string) string {
	return defaultNormalizer.Normalize(raw)
}

// Normalize returns the canonical identity for raw.
//
// Normalize is total and idempotent: Normalize(Normalize(x)) == Normalize(x).
// Inputs without any digit normalize to "".
//
//	cc + 10/11 national digits → cc + national (9 inserted for 8-digit BR mobiles)
//	10/11 national digits      → cc + national (same rule)
//	anything else              → digits as-is
func (n Normalizer) Normalize(raw string) string {
	cc := n.CountryCode
	if cc == "" {
		cc = DefaultCountryCode
	}

	s := raw
	if idx := strings.IndexByte(s, '@'); idx >= 0 {
		s = s[:idx]
	}
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		s = s[:idx]
	}
	digits := onlyDigits(s)

	var national string
	switch {
	case strings.HasPrefix(digits, cc) && (len(digits)-len(cc) == 10 || len(digits)-len(cc) == 11):
		national = digits[len(cc):]
	case len(digits) == 10 || len(digits) == 11:
		national = digits
	default:
		return digits
	}

	// Brazilian area code (2 digits) + 8-digit mobile predates the mandatory leading 9.
	if cc == DefaultCountryCode && len(national) == 10 {
		national = national[:2] + "9" + national[2:]
	}
	return cc + national
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsGroupJID reports whether raw addresses a WhatsApp group chat.
func IsGroupJID(raw string) bool {
	return strings.HasSuffix(raw, "@g.us")
}
