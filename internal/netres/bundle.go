// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package netres defines the resource-consumption accumulator the
// Aggregator sums per subscriber: a commutative monoid over four byte
// counters, plus the record type persisted per subscriber per window.
package netres

// Bundle accumulates bytes moved on the RAN-facing and WAN-facing sides
// of the pipeline, split by direction. It forms a commutative monoid
// under Add, with the zero value as its identity.
type Bundle struct {
	RANBytesUp   int64
	RANBytesDown int64
	WANBytesUp   int64
	WANBytesDown int64
}

// Add returns the componentwise sum of b and other. Add is associative
// and commutative, and Bundle{} is its identity element.
func (b Bundle) Add(other Bundle) Bundle {
	return Bundle{
		RANBytesUp:   b.RANBytesUp + other.RANBytesUp,
		RANBytesDown: b.RANBytesDown + other.RANBytesDown,
		WANBytesUp:   b.WANBytesUp + other.WANBytesUp,
		WANBytesDown: b.WANBytesDown + other.WANBytesDown,
	}
}

// IsZero reports whether b is the monoid's identity element.
func (b Bundle) IsZero() bool {
	return b == Bundle{}
}

// TotalBytes returns the sum of all four counters.
func (b Bundle) TotalBytes() int64 {
	return b.RANBytesUp + b.RANBytesDown + b.WANBytesUp + b.WANBytesDown
}

// UseRecord is one flushed aggregation window for a single subscriber,
// the unit the Aggregator hands to a Reporter.
type UseRecord struct {
	SubscriberIP string
	WindowStart  int64 // unix seconds, window start boundary
	WindowEnd    int64 // unix seconds, window end boundary
	Usage        Bundle
}
