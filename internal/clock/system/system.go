// Package system is the production time source.
package system

import "time"

// Clock reads the host clock in UTC at microsecond precision, the finest
// resolution Postgres and SQLite timestamps keep, so a recorded time reads
// back equal to the value the crawl held in memory.
type Clock struct{}

// New returns a host Clock.
func New() Clock {
	return Clock{}
}

// Now satisfies crawler.Clock and bounded.Clock.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
