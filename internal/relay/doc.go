// Package relay tracks every open producer and consumer session and fans
// inbound camera frames out to all active consumers. Each consumer gets its
// own bounded buffer and writer goroutine, so a slow peer only ever loses its
// own frames and never delays anyone else.
package relay
