package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trungngothanh13/camera-relay/internal/camera"
	"github.com/trungngothanh13/camera-relay/internal/config"
	"github.com/trungngothanh13/camera-relay/internal/metrics"
	"github.com/trungngothanh13/camera-relay/internal/protocol"
	"github.com/trungngothanh13/camera-relay/internal/relay"
)

// TCPServer accepts producer and consumer connections over plain TCP. Peers
// identify themselves with a single handshake line; producers then switch to
// the binary frame stream or the legacy text format.
type TCPServer struct {
	listener net.Listener
	config   *config.Config
	logger   *slog.Logger
	registry *camera.Registry
	hub      *relay.Hub
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	framesIngested    atomic.Uint64
	framingErrors     atomic.Uint64
	handshakeFailures atomic.Uint64
}

// NewTCPServer creates a new TCP acceptor.
func NewTCPServer(cfg *config.Config, logger *slog.Logger,
	registry *camera.Registry, hub *relay.Hub, m *metrics.Metrics) *TCPServer {

	ctx, cancel := context.WithCancel(context.Background())

	return &TCPServer{
		config:   cfg,
		logger:   logger,
		registry: registry,
		hub:      hub,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins accepting connections.
func (s *TCPServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.BindAddress, s.config.Server.TCPPort)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP: %w", err)
	}
	s.listener = listener

	s.logger.Info("TCP server started",
		slog.String("address", addr),
		slog.Int("max_payload_bytes", s.config.Server.MaxPayloadBytes),
	)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound listener address, valid after Start.
func (s *TCPServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the TCP server. Open sessions are closed through the
// hub; Stop only tears down the listener and waits for handlers to drain.
func (s *TCPServer) Stop() error {
	s.logger.Info("Stopping TCP server...")

	s.cancel()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.Warn("Error closing TCP listener", slog.String("error", err.Error()))
		}
	}

	s.wg.Wait()

	s.logger.Info("TCP server stopped",
		slog.Uint64("frames_ingested", s.framesIngested.Load()),
		slog.Uint64("framing_errors", s.framingErrors.Load()),
		slog.Uint64("handshake_failures", s.handshakeFailures.Load()),
	)

	return nil
}

// acceptLoop is the main connection accepting loop.
func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to accept connection", slog.String("error", err.Error()))
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn performs the handshake and hands the connection to the matching
// role handler. The handshake line must arrive within the configured timeout.
func (s *TCPServer) handleConn(conn net.Conn) {
	defer s.wg.Done()

	remoteAddr := conn.RemoteAddr().String()

	if err := conn.SetReadDeadline(time.Now().Add(s.config.Server.GetHandshakeTimeoutDuration())); err != nil {
		s.logger.Error("Failed to set handshake deadline", slog.String("error", err.Error()))
		conn.Close()
		return
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := reader.ReadString('\n')
	if err != nil {
		s.handshakeFailures.Add(1)
		s.logger.Warn("Handshake read failed",
			slog.String("remote_addr", remoteAddr),
			slog.String("error", err.Error()),
		)
		conn.Close()
		return
	}
	line = strings.TrimRight(line, "\r\n")

	// Handshake complete; per-frame pacing is the producer's business.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		s.logger.Error("Failed to clear read deadline", slog.String("error", err.Error()))
		conn.Close()
		return
	}

	switch {
	case strings.HasPrefix(line, "PRODUCER "):
		s.handleBinaryProducer(conn, reader, strings.TrimPrefix(line, "PRODUCER "))

	case line == "CONSUMER":
		s.handleConsumer(conn)

	case protocol.IsLegacyText(line):
		s.handleLegacyProducer(conn, reader, line)

	default:
		s.handshakeFailures.Add(1)
		s.logger.Warn("Unrecognized handshake",
			slog.String("remote_addr", remoteAddr),
		)
		fmt.Fprintf(conn, "ERR unrecognized handshake\n")
		conn.Close()
	}
}

// handleBinaryProducer claims the requested camera id and ingests the binary
// frame stream. Any framing error is fatal to the connection.
func (s *TCPServer) handleBinaryProducer(conn net.Conn, reader *bufio.Reader, idStr string) {
	remoteAddr := conn.RemoteAddr().String()

	id, err := strconv.Atoi(strings.TrimSpace(idStr))
	if err != nil || id < 0 || id > 255 {
		s.handshakeFailures.Add(1)
		s.logger.Warn("Invalid camera id in handshake",
			slog.String("remote_addr", remoteAddr),
			slog.String("camera_id", idStr),
		)
		fmt.Fprintf(conn, "ERR invalid camera id\n")
		conn.Close()
		return
	}
	cameraID := uint8(id)

	session := s.hub.Register(&tcpConn{conn: conn}, relay.RoleProducer, cameraID)
	if session == nil {
		conn.Close()
		return
	}
	s.watchSession(session)

	if err := s.registry.Claim(cameraID, session.ID); err != nil {
		s.logger.Warn("Camera claim rejected",
			slog.Int("camera_id", id),
			slog.String("remote_addr", remoteAddr),
			slog.String("error", err.Error()),
		)
		fmt.Fprintf(conn, "ERR %s\n", claimError(err))
		session.Close()
		return
	}
	defer func() {
		s.registry.ReleaseOwned(cameraID, session.ID)
		session.Close()
	}()

	fmt.Fprintf(conn, "OK\n")
	s.metrics.RecordSessionAccepted(relay.RoleProducer.String(), "tcp")

	decoder := protocol.NewDecoder(s.config.Camera.MaxCameras, s.config.Server.MaxPayloadBytes)
	buf := make([]byte, 32*1024)

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			packets, ferr := decoder.Feed(buf[:n])
			for _, packet := range packets {
				if packet.CameraID != cameraID {
					s.metrics.RecordFrameRejected()
					s.logger.Warn("Frame for unclaimed camera dropped",
						slog.Int("claimed", int(cameraID)),
						slog.Int("got", int(packet.CameraID)),
						slog.String("remote_addr", remoteAddr),
					)
					continue
				}
				if err := s.ingest(packet, session, "binary"); err != nil {
					s.logger.Warn("Camera ownership lost, closing producer",
						slog.Int("camera_id", id),
						slog.String("remote_addr", remoteAddr),
						slog.String("error", err.Error()),
					)
					return
				}
			}
			if ferr != nil {
				s.framingErrors.Add(1)
				s.metrics.RecordFramingError()
				s.logger.Error("Fatal framing error, closing producer",
					slog.Int("camera_id", id),
					slog.String("remote_addr", remoteAddr),
					slog.String("error", ferr.Error()),
				)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedConn(err) {
				s.logger.Warn("Producer read failed",
					slog.Int("camera_id", id),
					slog.String("remote_addr", remoteAddr),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

// handleLegacyProducer serves the text fallback. The handshake line is itself
// the first frame and decides which camera the session feeds. Malformed lines
// and lines for other cameras are dropped without closing the connection.
func (s *TCPServer) handleLegacyProducer(conn net.Conn, reader *bufio.Reader, firstLine string) {
	remoteAddr := conn.RemoteAddr().String()

	first, err := protocol.ParseTextMessage(firstLine, s.config.Camera.MaxCameras)
	if err != nil {
		s.handshakeFailures.Add(1)
		s.logger.Warn("Malformed legacy handshake",
			slog.String("remote_addr", remoteAddr),
			slog.String("error", err.Error()),
		)
		conn.Close()
		return
	}
	cameraID := first.CameraID

	session := s.hub.Register(&tcpConn{conn: conn}, relay.RoleProducer, cameraID)
	if session == nil {
		conn.Close()
		return
	}
	s.watchSession(session)

	if err := s.registry.Claim(cameraID, session.ID); err != nil {
		s.logger.Warn("Camera claim rejected",
			slog.Int("camera_id", int(cameraID)),
			slog.String("remote_addr", remoteAddr),
			slog.String("error", err.Error()),
		)
		fmt.Fprintf(conn, "ERR %s\n", claimError(err))
		session.Close()
		return
	}
	defer func() {
		s.registry.ReleaseOwned(cameraID, session.ID)
		session.Close()
	}()

	s.metrics.RecordSessionAccepted(relay.RoleProducer.String(), "tcp")

	first.Timestamp = time.Now().UnixMilli()
	if err := s.ingest(first, session, "legacy"); err != nil {
		s.logger.Warn("Camera ownership lost, closing producer",
			slog.Int("camera_id", int(cameraID)),
			slog.String("remote_addr", remoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedConn(err) {
				s.logger.Warn("Legacy producer read failed",
					slog.Int("camera_id", int(cameraID)),
					slog.String("remote_addr", remoteAddr),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		packet, err := protocol.ParseTextMessage(strings.TrimRight(line, "\r\n"), s.config.Camera.MaxCameras)
		if err != nil {
			s.metrics.RecordFrameRejected()
			s.logger.Debug("Malformed legacy message dropped",
				slog.Int("camera_id", int(cameraID)),
				slog.String("remote_addr", remoteAddr),
				slog.String("error", err.Error()),
			)
			continue
		}
		if packet.CameraID != cameraID {
			s.metrics.RecordFrameRejected()
			s.logger.Debug("Legacy message for other camera dropped",
				slog.Int("claimed", int(cameraID)),
				slog.Int("got", int(packet.CameraID)),
				slog.String("remote_addr", remoteAddr),
			)
			continue
		}

		packet.Timestamp = time.Now().UnixMilli()
		if err := s.ingest(packet, session, "legacy"); err != nil {
			s.logger.Warn("Camera ownership lost, closing producer",
				slog.Int("camera_id", int(cameraID)),
				slog.String("remote_addr", remoteAddr),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// handleConsumer registers a consumer session; the hub's writer goroutine
// delivers frames while this handler just waits for the peer to hang up.
func (s *TCPServer) handleConsumer(conn net.Conn) {
	// Reply before registering: once the hub knows the session, broadcast
	// frames may be written at any moment and must come after the OK.
	fmt.Fprintf(conn, "OK\n")

	session := s.hub.Register(&tcpConn{conn: conn}, relay.RoleConsumer, 0)
	if session == nil {
		conn.Close()
		return
	}
	s.watchSession(session)

	s.metrics.RecordSessionAccepted(relay.RoleConsumer.String(), "tcp")

	// Consumers are write-only; inbound bytes are discarded until EOF.
	io.Copy(io.Discard, conn)
	session.Close()
}

// ingest applies one accepted frame to the registry and fans it out. An
// ownership error means the camera was evicted and claimed by a newer
// producer; the caller must close the session.
func (s *TCPServer) ingest(packet *protocol.FramePacket, session *relay.Session, encoding string) error {
	if err := s.registry.Apply(packet, session.ID, time.Now()); err != nil {
		return err
	}
	session.Touch()

	s.framesIngested.Add(1)
	s.metrics.RecordFrameReceived(encoding, len(packet.Payload))

	s.hub.Publish(protocol.EncodePacket(packet))
	return nil
}

// watchSession closes the session when the server shuts down, which unblocks
// any pending read on the connection.
func (s *TCPServer) watchSession(session *relay.Session) {
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

// GetStatistics returns current acceptor statistics.
func (s *TCPServer) GetStatistics() ServerStatistics {
	producers, consumers := s.hub.Counts()

	return ServerStatistics{
		FramesIngested:    s.framesIngested.Load(),
		FramingErrors:     s.framingErrors.Load(),
		HandshakeFailures: s.handshakeFailures.Load(),
		ActiveCameras:     uint64(s.registry.ActiveCount()),
		Producers:         uint64(producers),
		Consumers:         uint64(consumers),
	}
}

// ServerStatistics represents acceptor performance counters.
type ServerStatistics struct {
	FramesIngested    uint64 `json:"frames_ingested"`
	FramingErrors     uint64 `json:"framing_errors"`
	HandshakeFailures uint64 `json:"handshake_failures"`
	ActiveCameras     uint64 `json:"active_cameras"`
	Producers         uint64 `json:"producers"`
	Consumers         uint64 `json:"consumers"`
}

// tcpConn adapts a net.Conn to the session transport interface.
type tcpConn struct {
	conn net.Conn
}

func (c *tcpConn) WriteMessage(data []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// claimError maps registry claim failures to short wire responses.
func claimError(err error) string {
	switch {
	case errors.Is(err, camera.ErrCameraBusy):
		return "camera busy"
	case errors.Is(err, camera.ErrUnknownCamera):
		return "camera id out of range"
	default:
		return "claim failed"
	}
}

// isClosedConn reports whether err is the usual result of reading from a
// connection that was closed on our side.
func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
