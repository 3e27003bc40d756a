// Package util provides small helpers shared across Sage components.
package util

import (
	"math/rand"
	"strings"
)

// ID prefixes for records created outside the domain tables.
const (
	JobIDPrefix     = "job_"
	OutboxIDPrefix  = "outbox_"
	RequestIDPrefix = "req_"
)

// GenerateRandomID returns prefix followed by hexLength random hex digits.
// IDs are not secret; math/rand/v2 is sufficient.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns length random lowercase hex digits.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)
	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.Intn(16)])
	}
	return builder.String()
}

// GenerateJobID returns an ID for a durable pipeline run.
func GenerateJobID() string { return GenerateRandomID(JobIDPrefix, 32) }

// GenerateOutboxID returns an ID for an outbox message.
func GenerateOutboxID() string { return GenerateRandomID(OutboxIDPrefix, 32) }

// GenerateRequestID returns a request correlation ID.
func GenerateRequestID() string { return GenerateRandomID(RequestIDPrefix, 16) }
