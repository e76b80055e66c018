// Package idgen mints the UUIDv7 identifiers used for run ids and step ids.
//
// UUIDv7 embeds a millisecond timestamp in its high bits, so ids sort
// roughly by creation time even when minted across process boundaries —
// useful for correlating events from independent workers without a
// shared counter.
package idgen

import "github.com/google/uuid"

// New returns a fresh UUIDv7 string. It panics only if the platform's
// random source is broken beyond repair, which uuid.NewV7 already treats
// as unrecoverable.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}
