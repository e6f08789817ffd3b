// Package server implements the TCP and WebSocket acceptors that bring
// producers and consumers into the relay, plus the HTTP API for
// monitoring/management. Handshakes, frame decoding and per-connection
// lifecycles live here; camera state and fanout live in their own packages.
package server
