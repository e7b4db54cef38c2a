package conflict

import (
	"time"

	"github.com/kimhsiao/matchbook/core/internal/models"
)

// TokenUnit is the smallest step a concurrency token can advance by.
const TokenUnit = time.Millisecond

// AdvanceToken returns candidate as a write token that is strictly after
// lastKnown. When candidate is not after lastKnown (equal, earlier, or
// empty) the result is lastKnown plus one TokenUnit, so tokens keep
// increasing through clock anomalies.
func AdvanceToken(candidate, lastKnown string) (string, error) {
	c, err := models.ParseTimestamp(candidate)
	if err != nil {
		return "", err
	}
	last, err := models.ParseTimestamp(lastKnown)
	if err != nil {
		return "", err
	}
	// Compare at token precision.
	c = c.Truncate(TokenUnit)
	last = last.Truncate(TokenUnit)

	if lastKnown != "" && !c.After(last) {
		c = last.Add(TokenUnit)
	}
	if c.IsZero() {
		return "", errEmptyToken
	}
	return models.FormatTimestamp(c), nil
}

// NextToken returns a token for a write made at now that is strictly after
// lastKnown.
func NextToken(now time.Time, lastKnown string) string {
	tok, err := AdvanceToken(models.FormatTimestamp(now), lastKnown)
	if err != nil {
		// lastKnown is unparsable; fall back to the clock alone.
		return models.FormatTimestamp(now)
	}
	return tok
}

// SameInstant reports whether a and b denote the same instant. Unparsable
// or empty values never match.
func SameInstant(a, b string) bool {
	ta, err := models.ParseTimestamp(a)
	if err != nil || ta.IsZero() {
		return false
	}
	tb, err := models.ParseTimestamp(b)
	if err != nil || tb.IsZero() {
		return false
	}
	return ta.Equal(tb)
}

// IsNewer reports whether a is strictly after b. An empty b is older than
// any valid a; unparsable values are never newer.
func IsNewer(a, b string) bool {
	ta, err := models.ParseTimestamp(a)
	if err != nil || ta.IsZero() {
		return false
	}
	tb, err := models.ParseTimestamp(b)
	if err != nil {
		return false
	}
	return ta.After(tb)
}
