package domain

import (
	"strings"
	"unicode"
)

// Well-known detector categories. The detector may return others; they are
// carried through unchanged.
const (
	CategoryName    = "Name"
	CategoryAddress = "Address"
	CategorySSN     = "SSN"
	CategoryEmail   = "Email"
	CategoryPhone   = "PhoneNumber"
)

// DetectedEntity is one PII span returned by the detector. Offset and Length
// are byte positions in the analysed string.
type DetectedEntity struct {
	Category     string  `json:"category"`
	Subcategory  string  `json:"subcategory,omitempty"`
	Offset       int     `json:"offset"`
	Length       int     `json:"length"`
	Confidence   float64 `json:"confidence"`
	OriginalText string  `json:"text"`
}

// End returns the exclusive end offset of the span.
func (e DetectedEntity) End() int {
	return e.Offset + e.Length
}

// Overlaps reports whether the two spans share at least one byte.
func (e DetectedEntity) Overlaps(o DetectedEntity) bool {
	return e.Offset < o.End() && o.Offset < e.End()
}

// CategorySlug lower-cases a category and strips everything that is not a
// letter or digit, so "US Social Security Number" becomes
// "ussocialsecuritynumber".
func CategorySlug(category string) string {
	var b strings.Builder
	b.Grow(len(category))
	for _, r := range category {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
