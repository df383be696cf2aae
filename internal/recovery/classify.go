// Package recovery returns failed calls to the pipeline when their recorded
// error looks transient.
package recovery

import (
	"regexp"
)

type pattern struct {
	name string
	re   *regexp.Regexp
}

func patterns(exprs ...string) []pattern {
	out := make([]pattern, len(exprs))
	for i, expr := range exprs {
		out[i] = pattern{name: expr, re: regexp.MustCompile(`(?i)` + expr)}
	}
	return out
}

// Non-recoverable patterns are checked first and win over recoverable ones.
var (
	nonRecoverable = patterns(
		`audio url is missing`,
		`no audio`,
		`empty audio`,
		`content-length: 0`,
		`HTTP 40[13]\b`,
		`HTTP 404\b`,
		`HTTP 410\b`,
		`recording unavailable`,
		`corrupt`,
		`invalid audio`,
		`access denied`,
	)
	recoverable = patterns(
		`claim expired`,
		`time(d)? ?out`,
		`deadline exceeded`,
		`connection (reset|refused)`,
		`network is unreachable`,
		`temporary failure`,
		`service unavailable`,
		`HTTP (408|429|5\d\d)\b`,
		`upload audio`,
		`transient`,
		`retry`,
	)
)

// Classify reports whether a processing error is worth another attempt and
// which rule decided it.
func Classify(msg string) (bool, string) {
	if msg == "" {
		return false, "no error message"
	}
	for _, p := range nonRecoverable {
		if p.re.MatchString(msg) {
			return false, "non-recoverable: " + p.name
		}
	}
	for _, p := range recoverable {
		if p.re.MatchString(msg) {
			return true, "recoverable: " + p.name
		}
	}
	return false, "no matching pattern"
}
