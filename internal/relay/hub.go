package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trungngothanh13/camera-relay/internal/metrics"
)

// Config contains fanout and session tracking settings.
type Config struct {
	// BufferSize is the outbound frame buffer per consumer.
	BufferSize int
	// SendTimeout bounds a single write to one consumer.
	SendTimeout time.Duration
	// MaxConsecutiveDrops disconnects a consumer after this many undelivered
	// frames in a row.
	MaxConsecutiveDrops int
}

// Hub tracks every open session and fans inbound frames out to all active
// consumers. Delivery is best effort: a consumer whose buffer is full loses
// that frame only, and repeated losses get it disconnected.
type Hub struct {
	sessions  map[string]*Session
	consumers map[string]*Session
	mu        sync.RWMutex

	logger  *slog.Logger
	cfg     Config
	metrics *metrics.Metrics

	framesPublished atomic.Uint64
	framesDropped   atomic.Uint64
	slowKicked      atomic.Uint64
	closed          bool

	wg sync.WaitGroup
}

// NewHub creates an empty session hub.
func NewHub(logger *slog.Logger, cfg Config, m *metrics.Metrics) *Hub {
	return &Hub{
		sessions:  make(map[string]*Session),
		consumers: make(map[string]*Session),
		logger:    logger,
		cfg:       cfg,
		metrics:   m,
	}
}

// Register creates and tracks a session for an accepted connection. Consumer
// sessions get a writer goroutine that drains their outbound buffer.
func (h *Hub) Register(conn Conn, role Role, cameraID uint8) *Session {
	s := newSession(conn, role, cameraID, h.cfg.BufferSize)
	s.onClose = h.detach

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	h.sessions[s.ID] = s
	if role == RoleConsumer {
		h.consumers[s.ID] = s
	}
	producers, consumers := len(h.sessions)-len(h.consumers), len(h.consumers)
	h.mu.Unlock()

	h.metrics.SetActiveSessions(RoleProducer.String(), producers)
	h.metrics.SetActiveSessions(RoleConsumer.String(), consumers)

	s.activate()

	if role == RoleConsumer {
		h.wg.Add(1)
		go h.writeLoop(s)
	}

	h.logger.Info("Session registered",
		slog.String("session_id", s.ID),
		slog.String("role", role.String()),
		slog.String("remote_addr", s.RemoteAddr()),
	)

	return s
}

// Publish delivers one already-encoded frame message to every active
// consumer. The call never blocks on any consumer: a full outbound buffer
// drops the frame for that consumer only.
func (h *Hub) Publish(encoded []byte) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}

	var kicked []*Session
	for _, c := range h.consumers {
		select {
		case c.outbound <- encoded:
			c.drops.Store(0)
		default:
			h.framesDropped.Add(1)
			h.metrics.RecordFrameDropped()
			if int(c.drops.Add(1)) >= h.cfg.MaxConsecutiveDrops {
				kicked = append(kicked, c)
			}
		}
	}
	h.framesPublished.Add(1)
	h.mu.RUnlock()

	h.metrics.RecordBroadcast()

	for _, c := range kicked {
		h.slowKicked.Add(1)
		h.metrics.RecordSlowDisconnect()

		h.logger.Warn("Disconnecting slow consumer",
			slog.String("session_id", c.ID),
			slog.String("remote_addr", c.RemoteAddr()),
			slog.Int("consecutive_drops", int(c.drops.Load())),
		)
		go c.Close()
	}
}

// Sessions returns a snapshot of all open sessions for monitoring.
func (h *Hub) Sessions() []Info {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Info, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.info())
	}
	return out
}

// Counts returns the number of open sessions per role.
func (h *Hub) Counts() (producers, consumers int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	consumers = len(h.consumers)
	producers = len(h.sessions) - consumers
	return producers, consumers
}

// Stats contains hub delivery counters.
type Stats struct {
	FramesPublished uint64 `json:"frames_published"`
	FramesDropped   uint64 `json:"frames_dropped"`
	SlowKicked      uint64 `json:"slow_consumers_disconnected"`
	OpenSessions    int    `json:"open_sessions"`
}

// GetStats returns current delivery counters.
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return Stats{
		FramesPublished: h.framesPublished.Load(),
		FramesDropped:   h.framesDropped.Load(),
		SlowKicked:      h.slowKicked.Load(),
		OpenSessions:    len(h.sessions),
	}
}

// Close shuts down every session and waits for the writer goroutines.
// Pending sends are abandoned; nothing blocks shutdown indefinitely.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.Close()
	}

	h.wg.Wait()

	h.logger.Info("Hub stopped",
		slog.Int("sessions_closed", len(open)),
	)
}

// detach removes a closed session from the tracking maps.
func (h *Hub) detach(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID)
	delete(h.consumers, s.ID)
	producers, consumers := len(h.sessions)-len(h.consumers), len(h.consumers)
	h.mu.Unlock()

	h.metrics.SetActiveSessions(RoleProducer.String(), producers)
	h.metrics.SetActiveSessions(RoleConsumer.String(), consumers)

	h.logger.Info("Session removed",
		slog.String("session_id", s.ID),
		slog.String("role", s.Role.String()),
		slog.String("remote_addr", s.RemoteAddr()),
	)
}

// writeLoop drains one consumer's outbound buffer. A write failure or timeout
// closes that session only.
func (h *Hub) writeLoop(s *Session) {
	defer h.wg.Done()

	for {
		select {
		case <-s.Done():
			return

		case msg := <-s.outbound:
			if err := s.conn.WriteMessage(msg, time.Now().Add(h.cfg.SendTimeout)); err != nil {
				h.logger.Warn("Consumer write failed",
					slog.String("session_id", s.ID),
					slog.String("remote_addr", s.RemoteAddr()),
					slog.String("error", err.Error()),
				)
				go s.Close()
				return
			}
			s.Touch()
		}
	}
}
