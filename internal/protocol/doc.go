// Package protocol owns the message contract shared by both endpoints.
//
// Ownership boundary:
// - message registry (type <-> integer id <-> decoder)
// - id width framing
// - built-in control messages
// - error taxonomy used across transports
package protocol
