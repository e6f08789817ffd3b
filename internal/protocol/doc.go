// Package protocol implements the camera frame wire formats: the binary
// length-prefixed frame used by current producers and consumers, the legacy
// base64 text frame kept for old clients, and a streaming decoder that
// reassembles binary frames from partial TCP reads.
package protocol
