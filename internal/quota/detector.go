// Package quota classifies provider error text, deciding whether a failed
// turn signals quota exhaustion that account rotation can fix.
package quota

import "regexp"

// Server-overload signals are deliberately not treated as exhaustion:
// rotating accounts cannot fix a server-side outage, and doing so would mask
// a transient condition as a quota problem.
var overloadPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)overloaded`),
	regexp.MustCompile(`(?i)\b50[0-9]\b`),
	regexp.MustCompile(`(?i)service unavailable`),
	regexp.MustCompile(`(?i)internal server error`),
}

var exhaustionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b429\b`),
	regexp.MustCompile(`(?i)rate[ _-]?limit`),
	regexp.MustCompile(`(?i)resource[ _]?exhausted`),
	regexp.MustCompile(`(?i)quota`),
	regexp.MustCompile(`(?i)too many requests`),
}

// IsExhaustion reports whether the raw error text of a failed turn matches a
// quota-exhaustion signal. Input is the provider error string as surfaced by
// the host after its own retries are exhausted. Pure predicate, no side
// effects.
func IsExhaustion(errText string) bool {
	if errText == "" {
		return false
	}
	for _, p := range overloadPatterns {
		if p.MatchString(errText) {
			return false
		}
	}
	for _, p := range exhaustionPatterns {
		if p.MatchString(errText) {
			return true
		}
	}
	return false
}
