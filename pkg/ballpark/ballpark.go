/*
Package ballpark checks that a client-supplied timestamp is close enough
to the server's clock to be trusted, guarding against both a client with a
badly skewed clock and a replayed or forged timestamp far in the past or
future.

Implemented with the standard library only: the check is a single
absolute-duration comparison and pulling in a duration/clock-skew library
for it would add a dependency without adding capability the stdlib
time.Duration arithmetic doesn't already provide cleanly.
*/
package ballpark

import "github.com/parsec-cloud/parsecd/pkg/types"

// DefaultWindow is the default ballpark tolerance: a write's timestamp may
// differ from server time by at most this much in either direction.
const DefaultWindow = 5 * 60 // seconds, kept as an untyped constant so callers can scale it with time.Second.

// Check reports whether timestamp is within window of now in either
// direction. A non-positive window disables the check (always true),
// which tests use to opt out of real-clock flakiness.
func Check(timestamp, now types.Timestamp, window int64) bool {
	if window <= 0 {
		return true
	}
	delta := now.Time.Sub(timestamp.Time)
	if delta < 0 {
		delta = -delta
	}
	return delta.Seconds() <= float64(window)
}
