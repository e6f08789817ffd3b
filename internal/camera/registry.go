package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/trungngothanh13/camera-relay/internal/metrics"
	"github.com/trungngothanh13/camera-relay/internal/protocol"
)

// Number of frame receipt times kept per camera for the fps window.
const fpsWindowSize = 30

var (
	// ErrCameraBusy is returned when a producer claims a camera id that is
	// already owned by another live producer session.
	ErrCameraBusy = errors.New("camera already has an active producer")

	// ErrUnknownCamera is returned for ids outside the configured range.
	ErrUnknownCamera = errors.New("camera id out of range")
)

// state is the live record for one camera. Mutated only under the registry
// lock by the ingestion path for its id.
type state struct {
	id            uint8
	lastFrame     []byte
	lastTimestamp int64
	frameCount    uint64
	firstSeen     time.Time
	lastSeen      time.Time
	frameTimes    []time.Time // receipt times of the last fpsWindowSize frames
}

// Snapshot is a consistent read-only view of one camera, safe to use after
// the registry lock is released.
type Snapshot struct {
	ID            uint8     `json:"id"`
	Active        bool      `json:"active"`
	LastTimestamp int64     `json:"last_timestamp"`
	FrameCount    uint64    `json:"frames_received"`
	FPS           float64   `json:"fps"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	SinceLastSeen float64   `json:"seconds_since_last_seen"`
	LastFrame     []byte    `json:"-"`
}

// Config contains registry and liveness sweep settings.
type Config struct {
	MaxCameras      int
	InactiveTimeout time.Duration
	SweepInterval   time.Duration
}

// Registry is the authoritative per-camera state store. It also runs the
// liveness sweep that evicts cameras whose producers went silent, and tracks
// which producer session owns each camera id.
type Registry struct {
	cameras map[uint8]*state
	claims  map[uint8]string // camera id -> producer session id
	mu      sync.RWMutex

	logger  *slog.Logger
	cfg     Config
	metrics *metrics.Metrics

	evicted uint64

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewRegistry creates a registry and starts its liveness sweep routine.
func NewRegistry(logger *slog.Logger, cfg Config, m *metrics.Metrics) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		cameras: make(map[uint8]*state),
		claims:  make(map[uint8]string),
		logger:  logger,
		cfg:     cfg,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		cleanup: make(chan struct{}),
	}

	go r.startSweepRoutine()

	return r
}

// Claim records sessionID as the single active producer for cameraID.
// A second claimant for a live camera id is rejected.
func (r *Registry) Claim(cameraID uint8, sessionID string) error {
	if int(cameraID) >= r.cfg.MaxCameras {
		return fmt.Errorf("%w: %d (max %d)", ErrUnknownCamera, cameraID, r.cfg.MaxCameras-1)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, exists := r.claims[cameraID]; exists && owner != sessionID {
		return fmt.Errorf("%w: camera %d owned by session %s", ErrCameraBusy, cameraID, owner)
	}

	r.claims[cameraID] = sessionID

	r.logger.Info("Camera claimed",
		slog.Int("camera_id", int(cameraID)),
		slog.String("session_id", sessionID),
	)

	return nil
}

// Apply updates the camera state for an inbound frame from sessionID:
// overwrites the last frame and producer timestamp, bumps the frame counter
// and recomputes fps over the trailing receipt window. Ownership is re-checked
// on every frame: a session whose camera was evicted and claimed by a newer
// producer gets ErrCameraBusy, while an unowned id is (re)claimed, so a swept
// producer that resumes before a successor appears keeps its camera.
func (r *Registry) Apply(packet *protocol.FramePacket, sessionID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, claimed := r.claims[packet.CameraID]; claimed && owner != sessionID {
		return fmt.Errorf("%w: camera %d owned by session %s", ErrCameraBusy, packet.CameraID, owner)
	} else if !claimed {
		r.claims[packet.CameraID] = sessionID
	}

	cam, exists := r.cameras[packet.CameraID]
	if !exists {
		cam = &state{
			id:        packet.CameraID,
			firstSeen: now,
		}
		r.cameras[packet.CameraID] = cam

		r.logger.Info("Camera registered",
			slog.Int("camera_id", int(packet.CameraID)),
		)
	}

	cam.lastFrame = packet.Payload
	cam.lastTimestamp = packet.Timestamp
	cam.frameCount++
	cam.lastSeen = now

	cam.frameTimes = append(cam.frameTimes, now)
	if len(cam.frameTimes) > fpsWindowSize {
		cam.frameTimes = cam.frameTimes[len(cam.frameTimes)-fpsWindowSize:]
	}

	r.metrics.SetActiveCameras(len(r.cameras))
	return nil
}

// Get returns a snapshot of one camera.
func (r *Registry) Get(cameraID uint8) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cam, exists := r.cameras[cameraID]
	if !exists {
		return Snapshot{}, false
	}

	return r.snapshotLocked(cam, time.Now()), true
}

// List returns snapshots of all known cameras, sorted by id.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	out := make([]Snapshot, 0, len(r.cameras))
	for _, cam := range r.cameras {
		out = append(out, r.snapshotLocked(cam, now))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Evict removes a camera entry and releases its producer claim, freeing the
// id for reuse. Returns false if the camera was not present.
func (r *Registry) Evict(cameraID uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.evictLocked(cameraID, "requested")
}

// ReleaseOwned evicts the camera only if sessionID still owns it. Used when a
// producer session disconnects, so it cannot tear down a camera that was
// evicted and reclaimed by a newer producer in the meantime.
func (r *Registry) ReleaseOwned(cameraID uint8, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, exists := r.claims[cameraID]; !exists || owner != sessionID {
		return false
	}

	return r.evictLocked(cameraID, "producer disconnected")
}

// ActiveCount returns the number of known cameras.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cameras)
}

// EvictedCount returns the total number of evictions since startup.
func (r *Registry) EvictedCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evicted
}

// Stop terminates the sweep routine and waits for it to finish.
func (r *Registry) Stop() {
	r.cancel()
	<-r.cleanup

	r.logger.Info("Camera registry stopped",
		slog.Int("remaining_cameras", r.ActiveCount()),
	)
}

// snapshotLocked builds a Snapshot; callers hold at least the read lock.
func (r *Registry) snapshotLocked(cam *state, now time.Time) Snapshot {
	var fps float64
	if len(cam.frameTimes) >= 2 {
		span := cam.frameTimes[len(cam.frameTimes)-1].Sub(cam.frameTimes[0]).Seconds()
		if span > 0 {
			fps = float64(len(cam.frameTimes)-1) / span
		}
	}

	since := now.Sub(cam.lastSeen)

	return Snapshot{
		ID:            cam.id,
		Active:        since < r.cfg.InactiveTimeout,
		LastTimestamp: cam.lastTimestamp,
		FrameCount:    cam.frameCount,
		FPS:           fps,
		FirstSeen:     cam.firstSeen,
		LastSeen:      cam.lastSeen,
		SinceLastSeen: since.Seconds(),
		LastFrame:     cam.lastFrame,
	}
}

// evictLocked removes a camera and its claim; callers hold the write lock.
func (r *Registry) evictLocked(cameraID uint8, reason string) bool {
	cam, exists := r.cameras[cameraID]
	delete(r.claims, cameraID)
	if !exists {
		return false
	}

	delete(r.cameras, cameraID)
	r.evicted++
	r.metrics.RecordCameraEvicted()
	r.metrics.SetActiveCameras(len(r.cameras))

	r.logger.Info("Camera evicted",
		slog.Int("camera_id", int(cameraID)),
		slog.String("reason", reason),
		slog.Uint64("frames_received", cam.frameCount),
		slog.Duration("lifetime", time.Since(cam.firstSeen)),
	)

	return true
}

// startSweepRoutine periodically evicts cameras whose producers went silent.
func (r *Registry) startSweepRoutine() {
	defer close(r.cleanup)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	r.logger.Info("Liveness sweep started",
		slog.Duration("inactive_timeout", r.cfg.InactiveTimeout),
		slog.Duration("sweep_interval", r.cfg.SweepInterval),
	)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Info("Liveness sweep stopping")
			return

		case <-ticker.C:
			r.sweepStale(time.Now())
		}
	}
}

// sweepStale evicts every camera whose lastSeen is older than the inactivity
// threshold. Staleness is re-checked under the write lock atomically with
// removal, so a frame arriving between scan and eviction keeps its camera.
func (r *Registry) sweepStale(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, cam := range r.cameras {
		if now.Sub(cam.lastSeen) > r.cfg.InactiveTimeout {
			if r.evictLocked(id, "inactive") {
				removed++
			}
		}
	}

	if removed > 0 {
		r.logger.Info("Liveness sweep evicted stale cameras",
			slog.Int("evicted", removed),
			slog.Int("remaining", len(r.cameras)),
		)
	}

	return removed
}
