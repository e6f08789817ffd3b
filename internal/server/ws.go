package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trungngothanh13/camera-relay/internal/camera"
	"github.com/trungngothanh13/camera-relay/internal/config"
	"github.com/trungngothanh13/camera-relay/internal/metrics"
	"github.com/trungngothanh13/camera-relay/internal/protocol"
	"github.com/trungngothanh13/camera-relay/internal/relay"
)

// WSServer accepts producer and consumer connections over WebSocket.
// Producers post to /ingest?camera=<id>, one complete frame per message;
// consumers attach to /watch and receive the binary broadcast. The server
// pings every peer on the configured keepalive interval.
type WSServer struct {
	server   *http.Server
	listener net.Listener
	config   *config.Config
	logger   *slog.Logger
	registry *camera.Registry
	hub      *relay.Hub
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	framesIngested atomic.Uint64
	framingErrors  atomic.Uint64
}

// NewWSServer creates a new WebSocket acceptor.
func NewWSServer(cfg *config.Config, logger *slog.Logger,
	registry *camera.Registry, hub *relay.Hub, m *metrics.Metrics) *WSServer {

	ctx, cancel := context.WithCancel(context.Background())

	s := &WSServer{
		config:   cfg,
		logger:   logger,
		registry: registry,
		hub:      hub,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", s.handleIngest)
	mux.HandleFunc("/watch", s.handleWatch)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.WebSocket.Address, cfg.WebSocket.Port),
		Handler: mux,
	}

	return s
}

// Start starts the WebSocket listener.
func (s *WSServer) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen for WebSocket: %w", err)
	}
	s.listener = listener

	s.logger.Info("WebSocket server started",
		slog.String("address", listener.Addr().String()),
		slog.Duration("keepalive_interval", s.config.WebSocket.GetKeepAliveDuration()),
	)

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("WebSocket server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound listener address, valid after Start.
func (s *WSServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the WebSocket server.
func (s *WSServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping WebSocket server...")

	s.cancel()
	err := s.server.Shutdown(ctx)
	s.wg.Wait()

	s.logger.Info("WebSocket server stopped",
		slog.Uint64("frames_ingested", s.framesIngested.Load()),
		slog.Uint64("framing_errors", s.framingErrors.Load()),
	)

	return err
}

// handleIngest upgrades a producer connection and ingests its frames. Binary
// messages carry one complete encoded frame; text messages use the legacy
// format and are dropped when malformed.
func (s *WSServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.URL.Query().Get("camera"))
	if err != nil || id < 0 || id >= s.config.Camera.MaxCameras {
		http.Error(w, "invalid camera id", http.StatusBadRequest)
		return
	}
	cameraID := uint8(id)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	session := s.hub.Register(newWSConn(conn), relay.RoleProducer, cameraID)
	if session == nil {
		conn.Close()
		return
	}
	s.watchSession(session)

	if err := s.registry.Claim(cameraID, session.ID); err != nil {
		s.logger.Warn("Camera claim rejected",
			slog.Int("camera_id", id),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, claimError(err)),
			time.Now().Add(time.Second))
		session.Close()
		return
	}
	defer func() {
		s.registry.ReleaseOwned(cameraID, session.ID)
		session.Close()
	}()

	s.metrics.RecordSessionAccepted(relay.RoleProducer.String(), "websocket")
	s.startKeepAlive(session, conn)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				s.logger.Warn("Producer read failed",
					slog.Int("camera_id", id),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var packet *protocol.FramePacket
		var encoding string

		switch mt {
		case websocket.BinaryMessage:
			packet, err = protocol.DecodePacket(data, s.config.Camera.MaxCameras, s.config.Server.MaxPayloadBytes)
			if err != nil {
				s.framingErrors.Add(1)
				s.metrics.RecordFramingError()
				s.logger.Error("Fatal framing error, closing producer",
					slog.Int("camera_id", id),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				return
			}
			encoding = "binary"

		case websocket.TextMessage:
			packet, err = protocol.ParseTextMessage(string(data), s.config.Camera.MaxCameras)
			if err != nil {
				s.metrics.RecordFrameRejected()
				s.logger.Debug("Malformed legacy message dropped",
					slog.Int("camera_id", id),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				continue
			}
			packet.Timestamp = time.Now().UnixMilli()
			encoding = "legacy"

		default:
			continue
		}

		if packet.CameraID != cameraID {
			s.metrics.RecordFrameRejected()
			s.logger.Warn("Frame for unclaimed camera dropped",
				slog.Int("claimed", id),
				slog.Int("got", int(packet.CameraID)),
				slog.String("remote_addr", r.RemoteAddr),
			)
			continue
		}

		if err := s.registry.Apply(packet, session.ID, time.Now()); err != nil {
			s.logger.Warn("Camera ownership lost, closing producer",
				slog.Int("camera_id", id),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", err.Error()),
			)
			return
		}
		session.Touch()
		s.framesIngested.Add(1)
		s.metrics.RecordFrameReceived(encoding, len(packet.Payload))
		s.hub.Publish(protocol.EncodePacket(packet))
	}
}

// handleWatch upgrades a consumer connection. Delivery runs through the hub;
// the read loop only notices the peer going away.
func (s *WSServer) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	session := s.hub.Register(newWSConn(conn), relay.RoleConsumer, 0)
	if session == nil {
		conn.Close()
		return
	}
	s.watchSession(session)

	s.metrics.RecordSessionAccepted(relay.RoleConsumer.String(), "websocket")
	s.startKeepAlive(session, conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			session.Close()
			return
		}
	}
}

// startKeepAlive pings the peer on the keepalive interval and extends the
// read deadline on every pong. A peer that stops answering times out on its
// next read.
func (s *WSServer) startKeepAlive(session *relay.Session, conn *websocket.Conn) {
	interval := s.config.WebSocket.GetKeepAliveDuration()
	wait := 2 * interval

	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		session.Touch()
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-session.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			}
		}
	}()
}

// watchSession closes the session when the server shuts down, which unblocks
// any pending read on the connection.
func (s *WSServer) watchSession(session *relay.Session) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-session.Done():
		case <-s.ctx.Done():
			session.Close()
		}
	}()
}

// isExpectedClose reports whether err is a routine disconnect rather than a
// protocol failure worth logging.
func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, http.ErrServerClosed)
}

// wsConn adapts a gorilla websocket connection to the session transport
// interface. Data writes are serialized; control frames use gorilla's own
// concurrent-safe path.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) WriteMessage(data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
