package manager

import (
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/geoclue2to1/internal/dbus"
	"github.com/nikicat/geoclue2to1/internal/testutil"
	"github.com/nikicat/geoclue2to1/internal/v1backend"
)

type fakeBackend struct {
	startCount, stopCount int
	cb                     v1backend.PositionCallback
}

func (f *fakeBackend) Start()                                     { f.startCount++ }
func (f *fakeBackend) Stop()                                      { f.stopCount++ }
func (f *fakeBackend) SetPositionCallback(cb v1backend.PositionCallback) { f.cb = cb }

func newTestManager(t *testing.T, graceTimeout time.Duration) (*Manager, *fakeBackend, func()) {
	t.Helper()
	bus := testutil.StartBus(t)
	conn, err := dbus.Connect(bus.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	backend := &fakeBackend{}
	m, err := New(conn, backend, graceTimeout)
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}

	return m, backend, func() {
		m.Close()
		conn.Close()
		bus.Stop()
	}
}

func msgFromSender(sender string) dbus.Message {
	return dbus.Message{Headers: map[dbus.HeaderField]dbus.Variant{
		dbus.FieldSender: dbus.MakeVariant(sender),
	}}
}

func TestGetClientReusesCreateClientDoesNot(t *testing.T) {
	m, _, cleanup := newTestManager(t, time.Minute)
	defer cleanup()

	msg := msgFromSender(":1.1")

	p1, dErr := m.GetClient(msg)
	if dErr != nil {
		t.Fatalf("GetClient: %v", dErr)
	}
	p2, dErr := m.GetClient(msg)
	if dErr != nil {
		t.Fatalf("GetClient: %v", dErr)
	}
	if p1 != p2 {
		t.Errorf("back-to-back GetClient returned different paths: %v != %v", p1, p2)
	}

	c1, dErr := m.CreateClient(msg)
	if dErr != nil {
		t.Fatalf("CreateClient: %v", dErr)
	}
	c2, dErr := m.CreateClient(msg)
	if dErr != nil {
		t.Fatalf("CreateClient: %v", dErr)
	}
	if c1 == c2 {
		t.Errorf("CreateClient returned the same path twice: %v", c1)
	}
	if c1 == p1 || c2 == p1 {
		t.Errorf("CreateClient reused the GetClient path")
	}
}

func TestDeleteClientUnknownPathIsIdempotent(t *testing.T) {
	m, _, cleanup := newTestManager(t, time.Minute)
	defer cleanup()

	if dErr := m.DeleteClient("/no/such/client"); dErr != nil {
		t.Errorf("DeleteClient on an unknown path should not error: %v", dErr)
	}
}

func TestPeerVanishedRemovesAllClientsForThatPeer(t *testing.T) {
	m, _, cleanup := newTestManager(t, time.Minute)
	defer cleanup()

	msg := msgFromSender(":1.5")
	p1, _ := m.CreateClient(msg)
	p2, _ := m.CreateClient(msg)

	m.mu.Lock()
	n := len(m.clientsByPath)
	m.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 tracked clients, got %d", n)
	}

	m.peerVanished(":1.5")

	m.mu.Lock()
	n = len(m.clientsByPath)
	_, p1Present := m.clientsByPath[p1]
	_, p2Present := m.clientsByPath[p2]
	m.mu.Unlock()
	if n != 0 || p1Present || p2Present {
		t.Errorf("peerVanished left clients behind: n=%d p1=%v p2=%v", n, p1Present, p2Present)
	}
}

func TestActiveAccountingStartsAndStopsBackend(t *testing.T) {
	m, backend, cleanup := newTestManager(t, 50*time.Millisecond)
	defer cleanup()

	m.OnActiveChanged(nil, true)
	if backend.startCount != 1 {
		t.Fatalf("backend.startCount = %d, want 1", backend.startCount)
	}
	if !m.InUse() {
		t.Fatal("InUse should be true with one active client")
	}

	m.OnActiveChanged(nil, false)
	if m.InUse() {
		t.Fatal("InUse should be false once the only active client deactivates")
	}

	time.Sleep(150 * time.Millisecond)
	if backend.stopCount != 1 {
		t.Errorf("backend.stopCount = %d, want 1 after grace period elapsed", backend.stopCount)
	}
}

func TestGraceTimerCancelledByReactivation(t *testing.T) {
	m, backend, cleanup := newTestManager(t, 50*time.Millisecond)
	defer cleanup()

	m.OnActiveChanged(nil, true)
	m.OnActiveChanged(nil, false)
	m.OnActiveChanged(nil, true) // re-activate before the grace timer fires

	time.Sleep(150 * time.Millisecond)
	if backend.stopCount != 0 {
		t.Errorf("backend.stopCount = %d, want 0: reactivation should cancel the grace timer", backend.stopCount)
	}
	if backend.startCount != 2 {
		t.Errorf("backend.startCount = %d, want 2 (one per 0->1 transition)", backend.startCount)
	}
}

func TestActiveCountUnderflowIsSuppressed(t *testing.T) {
	m, backend, cleanup := newTestManager(t, time.Minute)
	defer cleanup()

	m.OnActiveChanged(nil, false) // no active clients yet
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", m.ActiveCount())
	}
	if backend.stopCount != 0 {
		t.Errorf("underflowing deactivation should not arm a grace timer or stop the backend")
	}
}

func TestHandlePositionUpdateEvictsBeyondMaxStored(t *testing.T) {
	m, _, cleanup := newTestManager(t, time.Minute)
	defer cleanup()

	for i := 0; i < dbustypes.MaxStoredLocations+5; i++ {
		m.handlePositionUpdate(v1backend.Position{Latitude: float64(i)})
	}

	m.mu.Lock()
	n := len(m.locations)
	first := m.locations[0].Path()
	last := m.locations[n-1].Path()
	m.mu.Unlock()

	if n != dbustypes.MaxStoredLocations {
		t.Fatalf("deque length = %d, want %d", n, dbustypes.MaxStoredLocations)
	}
	if first == last {
		t.Errorf("first and last location paths should differ")
	}
}
