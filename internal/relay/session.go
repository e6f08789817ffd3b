package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Role classifies what a connection does: producers supply frames for one
// camera, consumers receive the broadcast from all cameras.
type Role int

const (
	RoleProducer Role = iota
	RoleConsumer
)

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// SessionState tracks the connection lifecycle.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the minimal transport surface a session needs. Both the TCP and the
// WebSocket acceptors wrap their connections to implement it.
type Conn interface {
	// WriteMessage writes one complete outbound message, honoring deadline.
	WriteMessage(data []byte, deadline time.Time) error
	Close() error
	RemoteAddr() string
}

// Session is one tracked connection. Consumers own a bounded outbound buffer
// drained by a dedicated writer goroutine, so per-recipient frame order is
// preserved and a slow peer never blocks anyone else.
type Session struct {
	ID       string
	Role     Role
	CameraID uint8 // claimed camera, producers only

	conn        Conn
	state       atomic.Int32
	outbound    chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time

	lastActivity atomic.Int64 // unix nanoseconds
	drops        atomic.Int32 // consecutive undelivered frames

	// onClose runs exactly once when the session shuts down, after the
	// transport is closed. Set by the owning hub.
	onClose func(*Session)
}

func newSession(conn Conn, role Role, cameraID uint8, bufferSize int) *Session {
	now := time.Now()

	s := &Session{
		ID:          uuid.NewString(),
		Role:        role,
		CameraID:    cameraID,
		conn:        conn,
		done:        make(chan struct{}),
		connectedAt: now,
	}
	s.state.Store(int32(StateConnecting))
	s.lastActivity.Store(now.UnixNano())

	if role == RoleConsumer {
		s.outbound = make(chan []byte, bufferSize)
	}

	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent inbound or outbound event.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// RemoteAddr returns the peer address for logging and status views.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

// Close transitions the session to Closed, closes the transport and runs the
// hub detach hook. Safe to call from any goroutine, any number of times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		close(s.done)
		_ = s.conn.Close()
		s.state.Store(int32(StateClosed))

		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// Done is closed when the session begins shutting down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// activate marks the session live after a successful handshake.
func (s *Session) activate() {
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
}

// Info is a read-only session view for monitoring endpoints.
type Info struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	State        string    `json:"state"`
	RemoteAddr   string    `json:"remote_addr"`
	CameraID     *uint8    `json:"camera_id,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

func (s *Session) info() Info {
	info := Info{
		ID:           s.ID,
		Role:         s.Role.String(),
		State:        s.State().String(),
		RemoteAddr:   s.RemoteAddr(),
		ConnectedAt:  s.connectedAt,
		LastActivity: s.LastActivity(),
	}
	if s.Role == RoleProducer {
		id := s.CameraID
		info.CameraID = &id
	}
	return info
}
