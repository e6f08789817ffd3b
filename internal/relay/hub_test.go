package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testHubConfig() Config {
	return Config{
		BufferSize:          8,
		SendTimeout:         time.Second,
		MaxConsecutiveDrops: 3,
	}
}

// fakeConn is an in-memory transport for hub tests. When stalled, writes
// block until the connection is closed.
type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool

	stalled  bool
	closedCh chan struct{}
	wrote    chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		closedCh: make(chan struct{}),
		wrote:    make(chan []byte, 64),
	}
}

func (c *fakeConn) WriteMessage(data []byte, _ time.Time) error {
	if c.stalled {
		<-c.closedCh
		return errors.New("connection closed")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("connection closed")
	}
	c.messages = append(c.messages, data)
	c.mu.Unlock()

	select {
	case c.wrote <- data:
	default:
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "fake:0" }

func (c *fakeConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.messages))
	copy(out, c.messages)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

func TestRegisterAndCounts(t *testing.T) {
	hub := NewHub(testLogger(), testHubConfig(), nil)
	defer hub.Close()

	prod := hub.Register(newFakeConn(), RoleProducer, 2)
	cons := hub.Register(newFakeConn(), RoleConsumer, 0)

	if prod.State() != StateActive || cons.State() != StateActive {
		t.Errorf("Expected active sessions, got %s and %s", prod.State(), cons.State())
	}

	producers, consumers := hub.Counts()
	if producers != 1 || consumers != 1 {
		t.Errorf("Expected 1 producer and 1 consumer, got %d and %d", producers, consumers)
	}

	if prod.CameraID != 2 {
		t.Errorf("Expected producer bound to camera 2, got %d", prod.CameraID)
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	hub := NewHub(testLogger(), testHubConfig(), nil)
	defer hub.Close()

	conn := newFakeConn()
	hub.Register(conn, RoleConsumer, 0)

	frames := [][]byte{[]byte("frame-1"), []byte("frame-2"), []byte("frame-3")}
	for _, f := range frames {
		hub.Publish(f)
	}

	waitFor(t, time.Second, func() bool { return len(conn.received()) == 3 })

	for i, got := range conn.received() {
		if string(got) != string(frames[i]) {
			t.Errorf("Position %d: expected %q, got %q", i, frames[i], got)
		}
	}
}

func TestStalledConsumerDoesNotDelayHealthyOnes(t *testing.T) {
	cfg := testHubConfig()
	cfg.BufferSize = 2
	cfg.MaxConsecutiveDrops = 1000 // keep the stalled consumer attached

	hub := NewHub(testLogger(), cfg, nil)
	defer hub.Close()

	stalled := newFakeConn()
	stalled.stalled = true
	healthy := newFakeConn()

	hub.Register(stalled, RoleConsumer, 0)
	hub.Register(healthy, RoleConsumer, 0)

	// Far more frames than the stalled consumer's buffer can hold.
	for i := 0; i < 50; i++ {
		hub.Publish([]byte(fmt.Sprintf("frame-%d", i)))
	}

	// The healthy consumer must receive everything within a small margin.
	waitFor(t, time.Second, func() bool { return len(healthy.received()) == 50 })

	stats := hub.GetStats()
	if stats.FramesDropped == 0 {
		t.Error("Expected drops for the stalled consumer")
	}
}

func TestSlowConsumerDisconnectedAfterThreshold(t *testing.T) {
	cfg := testHubConfig()
	cfg.BufferSize = 1
	cfg.MaxConsecutiveDrops = 3

	hub := NewHub(testLogger(), cfg, nil)
	defer hub.Close()

	stalled := newFakeConn()
	stalled.stalled = true
	s := hub.Register(stalled, RoleConsumer, 0)

	for i := 0; i < 20; i++ {
		hub.Publish([]byte("frame"))
		time.Sleep(time.Millisecond)
	}

	waitFor(t, time.Second, func() bool { return s.State() == StateClosed })

	waitFor(t, time.Second, func() bool {
		_, consumers := hub.Counts()
		return consumers == 0
	})

	if hub.GetStats().SlowKicked == 0 {
		t.Error("Expected slow consumer disconnect to be counted")
	}
}

func TestProducersDoNotReceiveBroadcast(t *testing.T) {
	hub := NewHub(testLogger(), testHubConfig(), nil)
	defer hub.Close()

	prodConn := newFakeConn()
	consConn := newFakeConn()
	hub.Register(prodConn, RoleProducer, 1)
	hub.Register(consConn, RoleConsumer, 0)

	hub.Publish([]byte("frame"))

	waitFor(t, time.Second, func() bool { return len(consConn.received()) == 1 })

	if len(prodConn.received()) != 0 {
		t.Errorf("Producer received %d broadcast frames", len(prodConn.received()))
	}
}

func TestSessionCloseDetaches(t *testing.T) {
	hub := NewHub(testLogger(), testHubConfig(), nil)
	defer hub.Close()

	s := hub.Register(newFakeConn(), RoleConsumer, 0)
	s.Close()

	waitFor(t, time.Second, func() bool {
		_, consumers := hub.Counts()
		return consumers == 0
	})

	if s.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", s.State())
	}

	// Closing twice is harmless.
	s.Close()
}

func TestHubCloseShutsDownEverything(t *testing.T) {
	hub := NewHub(testLogger(), testHubConfig(), nil)

	stalled := newFakeConn()
	stalled.stalled = true
	s1 := hub.Register(stalled, RoleConsumer, 0)
	s2 := hub.Register(newFakeConn(), RoleProducer, 1)

	hub.Publish([]byte("frame"))

	done := make(chan struct{})
	go func() {
		hub.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Hub.Close blocked on a stalled consumer")
	}

	if s1.State() != StateClosed || s2.State() != StateClosed {
		t.Errorf("Expected all sessions closed, got %s and %s", s1.State(), s2.State())
	}

	// Registration after shutdown is refused.
	if s := hub.Register(newFakeConn(), RoleConsumer, 0); s != nil {
		t.Error("Expected registration on closed hub to be refused")
	}
}
